// internal/worker/executor.go
package worker

import (
	"context"
	"sync"
)

// Executor
// ------------------------------------------------------------
// goroutine 하나짜리 작업 실행기.
// backlog 가 가득 차면 Submit 은 기다리지 않고 작업을 버린다.
// (트리거는 fire-and-forget 이고, 이미 대기 중인 작업이 같은 일을 한다)
//
// 작업은 항상 한 번에 하나만 실행되므로, 여기로 들어오는 사이클끼리는 겹치지 않는다.
type Executor struct {
	tasks chan func(context.Context)

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewExecutor 는 backlog 크기의 대기열을 가진 실행기를 만든다. (최소 1)
func NewExecutor(backlog int) *Executor {
	if backlog < 1 {
		backlog = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		tasks:  make(chan func(context.Context), backlog),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 는 worker goroutine 을 띄운다.
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Submit 은 작업을 대기열에 넣는다. 가득 찼거나 종료 중이면 false.
func (e *Executor) Submit(task func(context.Context)) bool {
	select {
	case <-e.ctx.Done():
		return false
	default:
	}

	select {
	case e.tasks <- task:
		return true
	default:
		return false
	}
}

// Shutdown 은 실행 중인 작업의 ctx 를 취소하고 worker 종료를 기다린다.
// 대기열에 남은 작업은 실행하지 않는다.
func (e *Executor) Shutdown() {
	e.stopOnce.Do(e.cancel)
	e.wg.Wait()
}

func (e *Executor) loop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case task := <-e.tasks:
			task(e.ctx)
		}
	}
}
