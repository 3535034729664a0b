// internal/worker/manager.go
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"event-recorder/internal/batch"
	"event-recorder/internal/config"
	"event-recorder/internal/metrics"
	"event-recorder/internal/store"
	"event-recorder/internal/submit"

	"github.com/rs/zerolog/log"
)

// dead-letter 루프 주기와 한 번에 처리하는 파일 수
const (
	deadLetterInterval = 5 * time.Second
	deadLetterPerTick  = 3
)

// Source 는 버퍼를 삽입 순서대로 읽는 커서를 만든다. (store.SQLite)
type Source interface {
	Scan() store.Cursor
}

// Buffer 는 사이클이 끝난 batch 의 삭제 계획을 적용한다. (recorder.Buffer)
type Buffer interface {
	ApplyDeletions(ctx context.Context, plan batch.Plan) int
	Pending(ctx context.Context) (events, bytes int64, err error)
}

// Submitter 는 batch 하나를 보내고 Plan 을 정리한다. (submit.Coordinator)
type Submitter interface {
	Submit(ctx context.Context, b *batch.Batch) submit.Result
}

// Manager
// ------------------------------------------------------------
// 제출 사이클 구동기.
//
//   - Trigger: 사이클 실행 요청. Executor 에 넣기만 하고 바로 반환 (가득 차면 버림)
//   - tickLoop: SubmitInterval 마다 Trigger
//   - deadLetterLoop: dead-letter 파일 TTL 정리 / S3 업로드
//
// 사이클 상태는 Idle → Draining → Idle 이며 CAS 로 전이한다.
// Executor 를 거치지 않고 RunCycle 을 직접 불러도 두 사이클이 겹치지 않는다.
type Manager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	registry *metrics.Registry

	source    Source
	buffer    Buffer
	submitter Submitter
	dlq       *DeadLetter // nil 이면 비활성

	exec  *Executor
	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager 는 구성요소를 묶는다. dlq 는 nil 일 수 있다.
func NewManager(
	cfg config.Config,
	m *metrics.Metrics,
	reg *metrics.Registry,
	src Source,
	buf Buffer,
	sub Submitter,
	dlq *DeadLetter,
) *Manager {
	return &Manager{
		cfg:       cfg,
		metrics:   m,
		registry:  reg,
		source:    src,
		buffer:    buf,
		submitter: sub,
		dlq:       dlq,
		exec:      NewExecutor(cfg.TriggerQueue),
	}
}

// Start 는 executor 와 주기 루프들을 띄운다.
func (m *Manager) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.exec.Start()

	if m.cfg.SubmitInterval > 0 {
		m.wg.Add(1)
		go m.tickLoop()
	}
	if m.dlq != nil {
		m.wg.Add(1)
		go m.deadLetterLoop()
	}
}

// Shutdown 은 루프를 멈추고 실행 중인 사이클이 끝날 때까지 기다린다.
// 실행 중인 사이클의 네트워크 호출은 취소되며, 취소는 재시도 대상이므로 이벤트는 남는다.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
	m.wg.Wait()
	m.exec.Shutdown()
}

// Trigger 는 사이클 실행을 요청한다. 받아들여졌으면 true.
func (m *Manager) Trigger() bool {
	ok := m.exec.Submit(func(ctx context.Context) {
		m.RunCycle(ctx)
	})
	if !ok {
		atomic.AddInt64(&m.metrics.TriggersDiscardedTotal, 1)
		log.Debug().Msg("cycle trigger discarded, backlog full")
	}
	return ok
}

// State 는 현재 사이클 상태.
func (m *Manager) State() metrics.CycleState {
	return metrics.CycleState(m.state.Load())
}

// RunCycle
// ------------------------------------------------------------
// 버퍼를 오래된 순으로 비운다.
//
//	batch.Next → Submit → ApplyDeletions 를 반복하며 다음에서 멈춘다.
//	  - 버퍼가 비었거나 커서가 끝남
//	  - 네트워크 제출 횟수가 SubmissionsAllowed 에 도달
//	  - endpoint profile 이 아직 없음
//	  - 저장소 조회 실패
//
// 다른 사이클이 진행 중이면 아무것도 하지 않고 false.
func (m *Manager) RunCycle(ctx context.Context) bool {
	if !m.state.CompareAndSwap(int32(metrics.Idle), int32(metrics.Draining)) {
		log.Debug().Msg("cycle already running")
		return false
	}
	m.registry.NotifyState(metrics.Draining)

	start := time.Now()
	var report metrics.CycleReport

	defer func() {
		report.Duration = time.Since(start)
		m.state.Store(int32(metrics.Idle))
		m.registry.NotifyState(metrics.Idle)
		m.registry.NotifyCycle(report)
	}()

	atomic.AddInt64(&m.metrics.CyclesTotal, 1)
	m.drain(ctx, &report)
	m.refreshPending(ctx)

	log.Info().
		Int("submissions", report.Submissions).
		Int("deleted", report.Deleted).
		Int("retained", report.Retained).
		Dur("elapsed", time.Since(start)).
		Msg("submission cycle finished")
	return true
}

func (m *Manager) drain(ctx context.Context, r *metrics.CycleReport) {
	cur := m.source.Scan()
	limit := m.cfg.SubmissionsAllowed()
	maxBytes := m.cfg.SubmissionSize()

	for first := true; r.Submissions < limit; first = false {
		b, err := batch.Next(ctx, cur, maxBytes)
		if err != nil {
			// 일부만 읽힌 batch 는 보내지도 지우지도 않는다. 다음 사이클에 다시 읽힌다.
			log.Error().Err(err).Msg("reading buffered events failed, cycle stopped")
			return
		}
		if b.Empty() {
			if first {
				log.Debug().Msg("no events available to submit")
			}
			return
		}

		res := m.submitter.Submit(ctx, b)
		if res.Sent {
			r.Submissions++
		}

		kept := 0
		for _, e := range b.Entries {
			if b.Plan.Has(e.RowID) {
				kept++
			}
		}
		if corrupt := len(b.Plan) - kept; corrupt > 0 {
			atomic.AddInt64(&m.metrics.EventsCorruptTotal, int64(corrupt))
		}

		r.Deleted += m.buffer.ApplyDeletions(ctx, b.Plan)
		r.Retained += res.Retained

		if res.NoEndpoint {
			return
		}
	}
}

func (m *Manager) refreshPending(ctx context.Context) {
	events, bytes, err := m.buffer.Pending(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("pending size query failed")
		return
	}
	atomic.StoreInt64(&m.metrics.PendingEvents, events)
	atomic.StoreInt64(&m.metrics.PendingBytes, bytes)
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SubmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Trigger()
		}
	}
}

// deadLetterLoop 는 주기마다 최대 deadLetterPerTick 개 파일을 처리한다.
func (m *Manager) deadLetterLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(deadLetterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < deadLetterPerTick; i++ {
				if !m.dlq.ProcessOneCtx(m.ctx) {
					break
				}
			}
		}
	}
}
