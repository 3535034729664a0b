package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"event-recorder/internal/config"
	"event-recorder/internal/endpoint"
	"event-recorder/internal/metrics"
	"event-recorder/internal/model"
	"event-recorder/internal/recorder"
	"event-recorder/internal/store"
	"event-recorder/internal/submit"
)

// scriptedClient 는 요청마다 handler 를 호출하는 submit.Client.
type scriptedClient struct {
	mu      sync.Mutex
	calls   int
	events  []string
	handler func(ctx context.Context, req *submit.Request) (*submit.Response, error)

	inflight    int32
	maxInflight int32
}

func (c *scriptedClient) PutEvents(ctx context.Context, req *submit.Request) (*submit.Response, error) {
	n := atomic.AddInt32(&c.inflight, 1)
	defer atomic.AddInt32(&c.inflight, -1)
	for {
		max := atomic.LoadInt32(&c.maxInflight)
		if n <= max || atomic.CompareAndSwapInt32(&c.maxInflight, max, n) {
			break
		}
	}

	c.mu.Lock()
	c.calls++
	for _, b := range req.BatchItem {
		for id := range b.Events {
			c.events = append(c.events, id)
		}
	}
	h := c.handler
	c.mu.Unlock()

	if h == nil {
		return acceptAll(req, nil), nil
	}
	return h(ctx, req)
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// acceptAll 은 모든 이벤트를 Accepted 로, overrides 에 있는 id 는 그 메시지로 응답한다.
func acceptAll(req *submit.Request, overrides map[string]string) *submit.Response {
	resp := &submit.Response{Results: map[string]submit.ItemResponse{}}
	for endpointID, b := range req.BatchItem {
		items := map[string]submit.EventItemResponse{}
		for id := range b.Events {
			msg := "Accepted"
			if o, ok := overrides[id]; ok {
				msg = o
			}
			items[id] = submit.EventItemResponse{StatusCode: 202, Message: msg}
		}
		resp.Results[endpointID] = submit.ItemResponse{
			Endpoint: &submit.EndpointItemResponse{StatusCode: 202, Message: "Accepted"},
			Events:   items,
		}
	}
	return resp
}

type pipeline struct {
	store   *store.SQLite
	buffer  *recorder.Buffer
	client  *scriptedClient
	manager *Manager
	metrics *metrics.Metrics
	dlqDir  string
}

func newPipeline(t *testing.T, mutate func(*config.Config), withEndpoint bool) *pipeline {
	t.Helper()

	cfg := config.Config{
		InstanceID:             "test",
		MaxPendingSize:         config.DefaultMaxPendingSize,
		MaxSubmissionSize:      config.DefaultMaxSubmissionSize,
		MaxSubmissionsAllowed:  config.DefaultMaxSubmissionsAllowed,
		TriggerQueue:           1,
		DeadLetterDir:          filepath.Join(t.TempDir(), "dead-letter"),
		DeadLetterPrefix:       "dead-letter",
		DeadLetterMaxSizeBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "events.db"), PoolSize: 2, PageSize: 4})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := metrics.New()
	reg := metrics.NewRegistry()

	dlq, err := NewDeadLetter(cfg, m, nil)
	if err != nil {
		t.Fatalf("NewDeadLetter: %v", err)
	}
	reg.OnDrop(dlq.Archive)

	provider := endpoint.NewProvider("app-1", "ep-1")
	if withEndpoint {
		if _, err := provider.Update(model.EndpointProfile{ChannelType: "GCM"}); err != nil {
			t.Fatalf("endpoint: %v", err)
		}
	}

	client := &scriptedClient{}
	buf := recorder.New(s, cfg, m)
	coord := submit.NewCoordinator(client, provider, reg, m, cfg.AppID)
	mgr := NewManager(cfg, m, reg, s, buf, coord, dlq)

	return &pipeline{store: s, buffer: buf, client: client, manager: mgr, metrics: m, dlqDir: cfg.DeadLetterDir}
}

func (p *pipeline) record(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		h := p.buffer.Record(context.Background(), &model.Event{
			EventType: "screen_view",
			Session:   model.Session{ID: "s-1", StartTimestamp: 1700000000000},
		})
		if h == nil {
			t.Fatalf("record %d failed", i)
		}
		ids = append(ids, h.EventID)
	}
	return ids
}

func (p *pipeline) count(t *testing.T) int64 {
	t.Helper()
	n, err := p.store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestCycleFullSuccess(t *testing.T) {
	p := newPipeline(t, nil, true)
	p.record(t, 3)

	if !p.manager.RunCycle(context.Background()) {
		t.Fatal("RunCycle returned false")
	}
	if n := p.count(t); n != 0 {
		t.Errorf("buffer holds %d events, want 0", n)
	}
	if p.client.Calls() != 1 {
		t.Errorf("calls = %d, want 1", p.client.Calls())
	}
	if total, _ := p.store.TotalSize(context.Background()); total != 0 {
		t.Errorf("total size = %d, want 0", total)
	}
}

func TestCycleServiceThrottlingKeepsEverything(t *testing.T) {
	p := newPipeline(t, nil, true)
	p.record(t, 5)
	p.client.handler = func(context.Context, *submit.Request) (*submit.Response, error) {
		return nil, submit.NewServiceError(429, "TooManyRequestsException", errors.New("throttled"))
	}

	p.manager.RunCycle(context.Background())
	if n := p.count(t); n != 5 {
		t.Errorf("buffer holds %d events, want 5", n)
	}
	if p.metrics.EventsRetainedTotal != 5 {
		t.Errorf("retained = %d", p.metrics.EventsRetainedTotal)
	}
}

func TestCyclePartialItemFailure(t *testing.T) {
	p := newPipeline(t, nil, true)
	ids := p.record(t, 2)
	p.client.handler = func(_ context.Context, req *submit.Request) (*submit.Response, error) {
		return acceptAll(req, map[string]string{ids[1]: "ValidationException"}), nil
	}

	p.manager.RunCycle(context.Background())
	if n := p.count(t); n != 0 {
		t.Errorf("buffer holds %d events, want 0", n)
	}
	if p.metrics.EventsDroppedTotal != 1 {
		t.Errorf("dropped = %d, want 1", p.metrics.EventsDroppedTotal)
	}
	if p.metrics.DeadLetterEventsArchivedTotal != 1 {
		t.Errorf("archived = %d, want 1", p.metrics.DeadLetterEventsArchivedTotal)
	}
}

func TestCycleItemRetryableIsKept(t *testing.T) {
	p := newPipeline(t, nil, true)
	ids := p.record(t, 3)
	p.client.handler = func(_ context.Context, req *submit.Request) (*submit.Response, error) {
		return acceptAll(req, map[string]string{ids[0]: "ThrottlingException"}), nil
	}

	p.manager.RunCycle(context.Background())
	if n := p.count(t); n != 1 {
		t.Errorf("buffer holds %d events, want 1", n)
	}
}

func TestCycleCorruptedRowIsPurged(t *testing.T) {
	p := newPipeline(t, nil, true)
	p.record(t, 1)
	if _, err := p.store.Insert(context.Background(), []byte("{definitely not json")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	p.record(t, 1)

	p.manager.RunCycle(context.Background())
	if n := p.count(t); n != 0 {
		t.Errorf("buffer holds %d rows, want 0", n)
	}
	if len(p.client.events) != 2 {
		t.Errorf("client saw %d events, want 2", len(p.client.events))
	}
	if p.metrics.EventsCorruptTotal != 1 {
		t.Errorf("corrupt = %d, want 1", p.metrics.EventsCorruptTotal)
	}
}

func TestCycleSendsEveryEventWithCallerDuplicateIDs(t *testing.T) {
	p := newPipeline(t, nil, true)
	for i := 0; i < 2; i++ {
		ev := &model.Event{ID: "dup", EventType: "click"}
		if h := p.buffer.Record(context.Background(), ev); h == nil {
			t.Fatalf("record %d failed", i)
		}
	}

	p.manager.RunCycle(context.Background())
	if len(p.client.events) != 2 {
		t.Errorf("client saw %d events, want 2", len(p.client.events))
	}
	if n := p.count(t); n != 0 {
		t.Errorf("buffer holds %d rows, want 0", n)
	}
	if p.metrics.EventsAcceptedTotal != 2 {
		t.Errorf("accepted = %d, want 2", p.metrics.EventsAcceptedTotal)
	}
}

func TestCycleSplitsStoredRowsSharingAnID(t *testing.T) {
	p := newPipeline(t, nil, true)
	payload := []byte(`{"event_id":"same","event_type":"click","timestamp":1700000000000,"session":{"id":"s-1","start_timestamp":1700000000000}}`)
	for i := 0; i < 2; i++ {
		if _, err := p.store.Insert(context.Background(), payload); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	p.manager.RunCycle(context.Background())
	if c := p.client.Calls(); c != 2 {
		t.Errorf("calls = %d, want 2 (one row per request)", c)
	}
	if len(p.client.events) != 2 {
		t.Errorf("client saw %d events, want 2", len(p.client.events))
	}
	if n := p.count(t); n != 0 {
		t.Errorf("buffer holds %d rows, want 0", n)
	}
}

func TestCycleStopsAtSubmissionCeiling(t *testing.T) {
	p := newPipeline(t, func(c *config.Config) {
		c.MaxSubmissionsAllowed = 2
		c.MaxSubmissionSize = 1 // 이벤트 1건씩 batch
	}, true)
	p.record(t, 5)

	p.manager.RunCycle(context.Background())
	if p.client.Calls() != 2 {
		t.Errorf("calls = %d, want 2", p.client.Calls())
	}
	if n := p.count(t); n != 3 {
		t.Errorf("buffer holds %d events, want 3", n)
	}

	// 남은 이벤트는 다음 사이클에서 오래된 순으로
	p.manager.RunCycle(context.Background())
	if n := p.count(t); n != 1 {
		t.Errorf("after second cycle buffer holds %d, want 1", n)
	}
}

func TestCycleWithoutEndpointKeepsEvents(t *testing.T) {
	p := newPipeline(t, nil, false)
	p.record(t, 4)

	p.manager.RunCycle(context.Background())
	if p.client.Calls() != 0 {
		t.Errorf("calls = %d, want 0", p.client.Calls())
	}
	if n := p.count(t); n != 4 {
		t.Errorf("buffer holds %d events, want 4", n)
	}
}

func TestCycleOnEmptyBuffer(t *testing.T) {
	p := newPipeline(t, nil, true)
	if !p.manager.RunCycle(context.Background()) {
		t.Fatal("RunCycle returned false")
	}
	if p.client.Calls() != 0 || p.metrics.CyclesTotal != 1 {
		t.Errorf("calls = %d cycles = %d", p.client.Calls(), p.metrics.CyclesTotal)
	}
	if p.manager.State() != metrics.Idle {
		t.Errorf("state = %s, want idle", p.manager.State())
	}
}

func TestRunCycleIsExclusive(t *testing.T) {
	p := newPipeline(t, nil, true)
	p.record(t, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	p.client.handler = func(ctx context.Context, req *submit.Request) (*submit.Response, error) {
		close(entered)
		<-release
		return acceptAll(req, nil), nil
	}

	done := make(chan bool)
	go func() { done <- p.manager.RunCycle(context.Background()) }()
	<-entered

	if p.manager.State() != metrics.Draining {
		t.Errorf("state = %s, want draining", p.manager.State())
	}
	if p.manager.RunCycle(context.Background()) {
		t.Error("second RunCycle ran while first was draining")
	}

	close(release)
	if !<-done {
		t.Error("first RunCycle returned false")
	}
	if p.manager.State() != metrics.Idle {
		t.Errorf("state = %s, want idle", p.manager.State())
	}
}

func TestConcurrentTriggersNeverOverlap(t *testing.T) {
	p := newPipeline(t, nil, true)
	p.record(t, 3)

	release := make(chan struct{})
	p.client.handler = func(ctx context.Context, req *submit.Request) (*submit.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, submit.ClassifyClientError(ctx.Err())
		}
		return &submit.Response{}, nil // 응답 누락 → 모두 재시도
	}

	p.manager.Start()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.manager.Trigger()
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&p.metrics.TriggersDiscardedTotal) == 0 {
		t.Error("no trigger discarded with a backlog of 1")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for p.client.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.manager.Shutdown()

	if max := atomic.LoadInt32(&p.client.maxInflight); max != 1 {
		t.Errorf("max concurrent submissions = %d, want 1", max)
	}
	if n := p.count(t); n != 3 {
		t.Errorf("buffer holds %d events, want 3 (all retried)", n)
	}
}

func TestTickerTriggersCycle(t *testing.T) {
	p := newPipeline(t, func(c *config.Config) { c.SubmitInterval = 10 * time.Millisecond }, true)
	p.record(t, 2)

	p.manager.Start()
	defer p.manager.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for p.count(t) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("ticker never drained the buffer")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownKeepsInFlightEvents(t *testing.T) {
	p := newPipeline(t, nil, true)
	p.record(t, 2)

	entered := make(chan struct{})
	p.client.handler = func(ctx context.Context, req *submit.Request) (*submit.Response, error) {
		close(entered)
		<-ctx.Done()
		return nil, submit.ClassifyClientError(ctx.Err())
	}

	p.manager.Start()
	p.manager.Trigger()
	<-entered
	p.manager.Shutdown()

	if n := p.count(t); n != 2 {
		t.Errorf("buffer holds %d events, want 2", n)
	}
	if p.manager.Trigger() {
		t.Error("Trigger accepted after Shutdown")
	}
}

func TestPermanentServiceErrorArchivesBatch(t *testing.T) {
	p := newPipeline(t, nil, true)
	p.record(t, 3)
	p.client.handler = func(context.Context, *submit.Request) (*submit.Response, error) {
		return nil, submit.NewServiceError(400, "BadRequestException", errors.New("bad"))
	}

	p.manager.RunCycle(context.Background())
	if n := p.count(t); n != 0 {
		t.Errorf("buffer holds %d events, want 0", n)
	}

	entries, _ := os.ReadDir(p.dlqDir)
	var data int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".gz" {
			data++
		}
	}
	if data != 1 {
		t.Errorf("dead-letter files = %d, want 1", data)
	}
}
