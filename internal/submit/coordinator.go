// internal/submit/coordinator.go
package submit

import (
	"context"
	"errors"
	"sync/atomic"

	"event-recorder/internal/batch"
	"event-recorder/internal/metrics"
	"event-recorder/internal/model"

	"github.com/rs/zerolog/log"
)

// endpoint item 이 성공일 때의 status
const endpointUpdated = 202

// Client 는 원격 analytics 엔드포인트.
// 반환 에러는 가능하면 *Error 로 분류되어 있어야 한다.
// 분류되지 않은 에러는 client 에러로 취급한다.
type Client interface {
	PutEvents(ctx context.Context, req *Request) (*Response, error)
}

// EndpointSource 는 현재 endpoint profile 을 제공한다.
// 아직 정해지지 않았으면 nil.
type EndpointSource interface {
	Current() *model.EndpointProfile
}

// Result 는 Submit 1회의 결과.
type Result struct {
	Sent       bool // 네트워크 호출을 했는지 (사이클 제출 횟수에 포함)
	NoEndpoint bool // endpoint context 가 없어 아무것도 보내지 않음
	Accepted   int
	Retained   int
	Dropped    int
	Err        *Error
}

// Coordinator
// ------------------------------------------------------------
// batch 하나를 요청으로 만들어 보내고, 결과에 따라 batch.Plan 을 고친다.
// 호출자에게 돌아가는 채널은 Plan 뿐이며 (Result 는 관찰용),
// Plan 에 남은 row 만 이후 삭제된다.
//
// 영구 실패로 버려지는 이벤트는 Registry 에 DropNotice 로 알린다.
type Coordinator struct {
	client       Client
	endpoints    EndpointSource
	registry     *metrics.Registry
	metrics      *metrics.Metrics
	defaultAppID string
}

func NewCoordinator(client Client, endpoints EndpointSource, reg *metrics.Registry, m *metrics.Metrics, defaultAppID string) *Coordinator {
	return &Coordinator{
		client:       client,
		endpoints:    endpoints,
		registry:     reg,
		metrics:      m,
		defaultAppID: defaultAppID,
	}
}

// Submit
//
//  1. 보낼 이벤트가 없으면 (손상 row 뿐) 네트워크 없이 반환. Plan 은 그대로 → 손상 row 삭제
//  2. endpoint context 가 없으면 Plan 을 비우고 반환 → 아무것도 삭제하지 않음
//  3. 요청 생성 후 PutEvents
//  4. 에러: retryable 이면 Plan 비움, permanent 면 Plan 유지 (배치 전체 삭제)
//  5. 성공: endpoint 결과 로그 후 이벤트 단위 Reconcile
func (c *Coordinator) Submit(ctx context.Context, b *batch.Batch) Result {
	if len(b.Entries) == 0 {
		return Result{}
	}

	ep := c.endpoints.Current()
	if ep == nil || ep.EndpointID == "" {
		log.Warn().Int("events", len(b.Entries)).Msg("endpoint profile is not set, failed to submit events")
		b.Plan.Clear()
		return Result{NoEndpoint: true, Retained: len(b.Entries)}
	}

	req := BuildRequest(ep, b, c.defaultAppID)
	atomic.AddInt64(&c.metrics.SubmissionsTotal, 1)

	resp, err := c.client.PutEvents(ctx, req)
	if err != nil {
		return c.handleError(b, err)
	}

	c.processEndpointResponse(ep, resp)

	s := Reconcile(b, ep.EndpointID, resp)
	atomic.AddInt64(&c.metrics.EventsAcceptedTotal, int64(s.Accepted))
	atomic.AddInt64(&c.metrics.EventsRetainedTotal, int64(s.Retained))
	c.drop(s.Dropped, "item_permanent")

	log.Info().
		Int("accepted", s.Accepted).
		Int("retained", s.Retained).
		Int("dropped", len(s.Dropped)).
		Int64("bytes", b.Bytes).
		Msg("events submitted")

	return Result{Sent: true, Accepted: s.Accepted, Retained: s.Retained, Dropped: len(s.Dropped)}
}

func (c *Coordinator) handleError(b *batch.Batch, err error) Result {
	var se *Error
	if !errors.As(err, &se) {
		se = ClassifyClientError(err)
	}

	n := len(b.Entries)
	if se.Retryable() {
		b.Plan.Clear()
		atomic.AddInt64(&c.metrics.EventsRetainedTotal, int64(n))
		log.Error().Err(err).
			Str("kind", se.Kind.String()).
			Int("status", se.StatusCode).
			Str("code", se.Code).
			Str("cause", se.Cause.String()).
			Int("events", n).
			Msg("unable to deliver events, events will be saved, error is likely recoverable")
		return Result{Sent: true, Retained: n, Err: se}
	}

	log.Error().Err(err).
		Str("kind", se.Kind.String()).
		Int("status", se.StatusCode).
		Str("code", se.Code).
		Int("events", n).
		Msg("failed submission, events will be removed from the local database")
	c.drop(b.Events(), se.Kind.String()+"_permanent")
	return Result{Sent: true, Dropped: n, Err: se}
}

// processEndpointResponse 는 endpoint 갱신 결과를 로그로만 남긴다.
// 이벤트 reconciliation 과는 독립이다.
func (c *Coordinator) processEndpointResponse(ep *model.EndpointProfile, resp *Response) {
	if resp == nil {
		return
	}
	item, ok := resp.Results[ep.EndpointID]
	if !ok || item.Endpoint == nil {
		log.Warn().Str("endpoint_id", ep.EndpointID).Msg("no endpoint result in response")
		return
	}
	if item.Endpoint.StatusCode == endpointUpdated {
		log.Debug().Str("endpoint_id", ep.EndpointID).Msg("endpoint profile updated")
		return
	}
	atomic.AddInt64(&c.metrics.EndpointUpdateErrorsTotal, 1)
	log.Error().
		Str("endpoint_id", ep.EndpointID).
		Int("status", item.Endpoint.StatusCode).
		Str("message", item.Endpoint.Message).
		Msg("endpoint update failed")
}

func (c *Coordinator) drop(events []*model.Event, reason string) {
	if len(events) == 0 {
		return
	}
	atomic.AddInt64(&c.metrics.EventsDroppedTotal, int64(len(events)))
	c.registry.NotifyDrop(metrics.DropNotice{Reason: reason, Events: events})
}
