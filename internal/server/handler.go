package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"event-recorder/internal/config"
	"event-recorder/internal/metrics"
	"event-recorder/internal/model"
	"event-recorder/internal/pool"
	"event-recorder/internal/recorder"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Recorder 는 이벤트를 로컬 버퍼에 기록한다. (recorder.Buffer)
type Recorder interface {
	Record(ctx context.Context, ev *model.Event) *recorder.Handle
}

// Trigger 는 제출 사이클을 요청한다. (worker.Manager)
type Trigger interface {
	Trigger() bool
}

// EndpointUpdater 는 현재 endpoint profile 을 교체한다. (endpoint.Provider)
type EndpointUpdater interface {
	Update(ep model.EndpointProfile) (*model.EndpointProfile, error)
}

type Handler struct {
	cfg       config.Config
	metrics   *metrics.Metrics
	recorder  Recorder
	trigger   Trigger
	endpoints EndpointUpdater
}

func NewHandler(cfg config.Config, m *metrics.Metrics, rec Recorder, tr Trigger, ep EndpointUpdater) *Handler {
	return &Handler{
		cfg:       cfg,
		metrics:   m,
		recorder:  rec,
		trigger:   tr,
		endpoints: ep,
	}
}

// Routes 는 모든 엔드포인트를 묶은 mux 를 돌려준다.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.HandleRecord)
	mux.HandleFunc("/flush", h.HandleFlush)
	mux.HandleFunc("/endpoint", h.HandleEndpoint)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return h.localOnly(mux)
}

// localOnly 는 AllowRemote 가 꺼져 있으면 loopback 이 아닌 요청을 403 으로 막는다.
func (h *Handler) localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&h.metrics.HTTPRequestsTotal, 1)
		if !h.cfg.AllowRemote && !isLocalRequest(r) {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedTotal, 1)
			log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("non-local request rejected")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleRecord
//
// POST /events
//
//  1. 요청 길이 제한(MaxBodySize), 초과 시 413
//  2. BodyPool 버퍼로 body 복사 후 Event 디코딩, 실패/필수값 누락 시 400
//  3. Record: 로컬 저장소 I/O 만 하고 바로 반환. 저장 실패 시 500
//
// 네트워크 제출은 여기서 일어나지 않는다. (사이클이 따로 처리)
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	buf, ok := h.readBody(w, r)
	if !ok {
		return
	}
	defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

	var ev model.Event
	if err := json.Unmarshal(buf.Bytes(), &ev); err != nil || !ev.Valid() {
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedTotal, 1)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	handle := h.recorder.Record(r.Context(), &ev)
	if handle == nil {
		http.Error(w, "event not recorded", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, struct {
		RowID   int64  `json:"row_id"`
		EventID string `json:"event_id"`
	}{handle.RowID, handle.EventID})
}

// HandleFlush
//
// POST /flush
// 사이클 실행을 요청만 하고 기다리지 않는다.
// queued=false 는 이미 대기 중인 요청이 있어 버려졌다는 뜻이다. (그 사이클이 어차피 돈다)
func (h *Handler) HandleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	queued := h.trigger.Trigger()
	writeJSON(w, http.StatusAccepted, struct {
		Queued bool `json:"queued"`
	}{queued})
}

// HandleEndpoint
//
// PUT /endpoint
// endpoint profile 전체를 교체한다. 이후 사이클부터 새 profile 이 실린다.
func (h *Handler) HandleEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	buf, ok := h.readBody(w, r)
	if !ok {
		return
	}
	defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

	var ep model.EndpointProfile
	if err := json.Unmarshal(buf.Bytes(), &ep); err != nil {
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedTotal, 1)
		http.Error(w, "invalid endpoint profile", http.StatusBadRequest)
		return
	}

	stored, err := h.endpoints.Update(ep)
	if err != nil {
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedTotal, 1)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// HandleMetrics
//
// 파이프라인 카운터 값들을 텍스트로 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

// readBody 는 MaxBodySize 로 제한된 body 를 BodyPool 버퍼에 복사한다.
// 실패하면 응답까지 쓰고 false. 성공 시 호출자가 PutBody 로 반납한다.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (*bytes.Buffer, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()

	if _, err := io.Copy(buf, r.Body); err != nil {
		pool.PutBody(buf, h.cfg.MaxBodySize*2)

		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			atomic.AddInt64(&h.metrics.HTTPRequestsBodyTooLarge, 1)
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedTotal, 1)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return nil, false
		}
		atomic.AddInt64(&h.metrics.HTTPRequestsRejectedTotal, 1)
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return buf, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("response encode failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
