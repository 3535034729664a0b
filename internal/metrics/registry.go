package metrics

import (
	"sync"
	"time"

	"event-recorder/internal/model"
)

// CycleState 는 제출 사이클의 상태. Idle → Draining → Idle.
type CycleState int32

const (
	Idle CycleState = iota
	Draining
)

func (s CycleState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// DropNotice 는 영구 실패로 버려지는 이벤트 묶음.
type DropNotice struct {
	Reason string
	Events []*model.Event
}

// CycleReport 는 사이클 1회의 결과 요약.
type CycleReport struct {
	Submissions int
	Deleted     int
	Retained    int
	Duration    time.Duration
}

// Registry
// ------------------------------------------------------------
// 파이프라인 관찰용 listener 모음. 파이프라인 인스턴스가 소유하고
// 필요한 구성요소에 주입한다. (프로세스 전역 싱글톤 없음)
//
// listener 는 호출한 goroutine(사이클 worker) 위에서 동기로 실행되므로
// 오래 걸리는 작업을 하면 사이클이 그만큼 늦어진다.
type Registry struct {
	mu      sync.RWMutex
	onState []func(CycleState)
	onDrop  []func(DropNotice)
	onCycle []func(CycleReport)
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) OnState(fn func(CycleState)) {
	r.mu.Lock()
	r.onState = append(r.onState, fn)
	r.mu.Unlock()
}

func (r *Registry) OnDrop(fn func(DropNotice)) {
	r.mu.Lock()
	r.onDrop = append(r.onDrop, fn)
	r.mu.Unlock()
}

func (r *Registry) OnCycle(fn func(CycleReport)) {
	r.mu.Lock()
	r.onCycle = append(r.onCycle, fn)
	r.mu.Unlock()
}

// nil Registry 에 대한 Notify* 호출은 아무 것도 하지 않는다.

func (r *Registry) NotifyState(s CycleState) {
	if r == nil {
		return
	}
	r.mu.RLock()
	fns := r.onState
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (r *Registry) NotifyDrop(n DropNotice) {
	if r == nil || len(n.Events) == 0 {
		return
	}
	r.mu.RLock()
	fns := r.onDrop
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}

func (r *Registry) NotifyCycle(c CycleReport) {
	if r == nil {
		return
	}
	r.mu.RLock()
	fns := r.onCycle
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}
