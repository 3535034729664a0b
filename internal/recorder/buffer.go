// internal/recorder/buffer.go
package recorder

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"event-recorder/internal/batch"
	"event-recorder/internal/config"
	"event-recorder/internal/logger"
	"event-recorder/internal/metrics"
	"event-recorder/internal/model"
	"event-recorder/internal/store"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// eviction 시 한 번에 읽어오는 oldest row 수.
	// row 하나씩 조회하면 쿼리 비용이, 너무 많이 읽으면 메모리가 아깝다.
	evictPageSize = 5

	// 로그에 남기는 event type 최대 길이
	clippedEventLength = 10
)

// Store 는 Buffer 가 사용하는 로컬 저장소 기능.
type Store interface {
	Insert(ctx context.Context, payload []byte) (int64, error)
	TotalSize(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
	Oldest(ctx context.Context, n int) ([]store.Row, error)
	Delete(ctx context.Context, id, expectedSize int64) error
}

// Handle 은 기록된 이벤트의 위치.
type Handle struct {
	RowID   int64
	EventID string
}

// Buffer
// ------------------------------------------------------------
// record() 경로의 진입점. 호출자 goroutine 위에서 로컬 저장소 I/O 만 하며
// 네트워크는 절대 타지 않는다.
//
// insert 성공 후에는 pending size 상한을 동기적으로 강제한다.
// 상한을 넘은 상태로 Record 가 반환되는 일은 없다.
type Buffer struct {
	store   Store
	ceiling int64
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() string
}

func New(s Store, cfg config.Config, m *metrics.Metrics) *Buffer {
	return &Buffer{
		store:   s,
		ceiling: cfg.PendingCeiling(),
		metrics: m,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Record 는 이벤트를 직렬화해 버퍼에 저장한다.
// 실패 시 nil 을 반환하고 로그만 남긴다. (panic / error 전파 없음)
//
// 호출자의 Event 는 수정하지 않는다. event_id 는 호출자가 준 값과 무관하게
// 항상 새 UUID 로 부여한다. (응답 매칭 키이므로 row 마다 고유해야 한다)
// timestamp / session id / session start 가 비어 있으면 복사본에 채운다.
// 부여된 id 는 Handle 로 돌려준다.
func (b *Buffer) Record(ctx context.Context, ev *model.Event) *Handle {
	if ev == nil {
		log.Warn().Msg("event cannot be nil, pass in a valid non-nil event")
		atomic.AddInt64(&b.metrics.EventsRecordFailedTotal, 1)
		return nil
	}
	if !ev.Valid() {
		log.Warn().Msg("event rejected: missing event type")
		atomic.AddInt64(&b.metrics.EventsRecordFailedTotal, 1)
		return nil
	}

	rec := *ev
	rec.ID = b.newID()
	if rec.Timestamp == 0 {
		rec.Timestamp = b.now().UnixMilli()
	}
	if rec.Session.ID == "" {
		rec.Session.ID = b.newID()
	}
	if rec.Session.StartTimestamp == 0 {
		rec.Session.StartTimestamp = rec.Timestamp
	}
	eventType := logger.Clip(rec.EventType, clippedEventLength)

	payload, err := json.Marshal(&rec)
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("event could not be serialized")
		atomic.AddInt64(&b.metrics.EventsRecordFailedTotal, 1)
		return nil
	}

	rowID, err := b.store.Insert(ctx, payload)
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("event failed to record to local database")
		atomic.AddInt64(&b.metrics.EventsRecordFailedTotal, 1)
		return nil
	}

	atomic.AddInt64(&b.metrics.EventsRecordedTotal, 1)
	log.Debug().Int64("row_id", rowID).Str("event_type", eventType).Msg("event recorded to database")

	b.Evict(ctx)

	return &Handle{RowID: rowID, EventID: rec.ID}
}

// Evict 는 pending total size 가 상한 이하가 될 때까지 가장 오래된 row 부터 지운다.
//
//  1. total 조회 → 상한 이하면 종료
//  2. oldest evictPageSize 개 조회
//  3. 한 건씩 삭제하면서 매번 total 을 다시 조회 (삭제 실패 시에도 저장소 값을 믿는다)
//  4. 페이지를 다 썼는데도 초과면 다음 페이지
//
// 한 페이지 안에서 아무것도 지우지 못하면 (저장소 장애) 무한 루프를 피해 중단한다.
// 삭제한 row 수를 반환한다.
func (b *Buffer) Evict(ctx context.Context) int {
	evicted := 0
	defer func() {
		if evicted > 0 {
			atomic.AddInt64(&b.metrics.EventsEvictedTotal, int64(evicted))
			log.Warn().Int("evicted", evicted).Int64("ceiling", b.ceiling).Msg("pending size ceiling exceeded, oldest events removed")
		}
	}()

	for {
		total, err := b.store.TotalSize(ctx)
		if err != nil {
			log.Error().Err(err).Msg("eviction: total size query failed")
			return evicted
		}
		if total <= b.ceiling {
			return evicted
		}

		rows, err := b.store.Oldest(ctx, evictPageSize)
		if err != nil {
			log.Error().Err(err).Msg("eviction: oldest events query failed")
			return evicted
		}
		if len(rows) == 0 {
			return evicted
		}

		progressed := false
		for _, r := range rows {
			err := b.store.Delete(ctx, r.ID, r.CachedSize())
			switch {
			case err == nil:
				evicted++
				progressed = true
			case errors.Is(err, store.ErrNotFound):
				// 다른 경로(사이클)가 먼저 지웠다. 상태는 바뀌었으므로 진행으로 본다.
				progressed = true
				atomic.AddInt64(&b.metrics.DeleteErrorsTotal, 1)
				log.Warn().Err(err).Int64("row_id", r.ID).Msg("eviction: row already gone")
			default:
				atomic.AddInt64(&b.metrics.DeleteErrorsTotal, 1)
				log.Error().Err(err).Int64("row_id", r.ID).Msg("eviction: failed to delete event")
			}

			total, err = b.store.TotalSize(ctx)
			if err != nil {
				log.Error().Err(err).Msg("eviction: total size query failed")
				return evicted
			}
			if total <= b.ceiling {
				return evicted
			}
		}

		if !progressed {
			log.Error().Int64("total", total).Int64("ceiling", b.ceiling).Msg("eviction: no progress, giving up until next record")
			return evicted
		}
	}
}

// ApplyDeletions 는 reconciliation 이 끝난 삭제 계획을 그대로 적용한다.
// 계획에 남은 id 만 지우며, 캐시 size 를 모르는 id 는 SizeUnknown 으로 지워
// total size 가 다음 조회 때 재계산되게 한다.
// 실제로 삭제된 row 수를 반환한다.
func (b *Buffer) ApplyDeletions(ctx context.Context, plan batch.Plan) int {
	if len(plan) == 0 {
		return 0
	}

	ids := make([]int64, 0, len(plan))
	for id := range plan {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	deleted := 0
	for _, id := range ids {
		if err := b.store.Delete(ctx, id, plan[id]); err != nil {
			atomic.AddInt64(&b.metrics.DeleteErrorsTotal, 1)
			log.Error().Err(err).Int64("row_id", id).Msg("failed to delete event")
			continue
		}
		deleted++
	}
	return deleted
}

// Pending 은 현재 버퍼에 남은 이벤트 수와 바이트 합계.
func (b *Buffer) Pending(ctx context.Context) (events, bytes int64, err error) {
	if bytes, err = b.store.TotalSize(ctx); err != nil {
		return 0, 0, err
	}
	if events, err = b.store.Count(ctx); err != nil {
		return 0, 0, err
	}
	return events, bytes, nil
}

// Ceiling 은 실제 적용 중인 pending size 상한.
func (b *Buffer) Ceiling() int64 {
	return b.ceiling
}
