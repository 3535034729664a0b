package pinpoint

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"event-recorder/internal/submit"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

type fakeAPI struct {
	in       *pinpoint.PutEventsInput
	out      *pinpoint.PutEventsOutput
	err      error
	deadline bool
}

func (f *fakeAPI) PutEvents(ctx context.Context, in *pinpoint.PutEventsInput, _ ...func(*pinpoint.Options)) (*pinpoint.PutEventsOutput, error) {
	f.in = in
	_, f.deadline = ctx.Deadline()
	return f.out, f.err
}

func testRequest() *submit.Request {
	dur := int64(1500)
	return &submit.Request{
		ApplicationID: "app-1",
		BatchItem: map[string]submit.EventsBatch{
			"ep-1": {
				Endpoint: submit.PublicEndpoint{
					ChannelType:   "GCM",
					EffectiveDate: "2023-11-14T22:13:20.000Z",
					OptOut:        "NONE",
					Demographic:   &submit.Demographic{Locale: "ko_KR"},
					Location:      &submit.Location{Country: "KR"},
				},
				Events: map[string]submit.WireEvent{
					"ev-1": {
						EventType: "click",
						Timestamp: "2023-11-14T22:13:20.000Z",
						Session:   submit.WireSession{ID: "s-1", StartTimestamp: "2023-11-14T22:13:00.000Z", Duration: &dur},
					},
				},
			},
		},
	}
}

func TestPutEventsConvertsRequestAndResponse(t *testing.T) {
	api := &fakeAPI{out: &pinpoint.PutEventsOutput{
		EventsResponse: &types.EventsResponse{Results: map[string]types.ItemResponse{
			"ep-1": {
				EndpointItemResponse: &types.EndpointItemResponse{StatusCode: aws.Int32(202), Message: aws.String("Accepted")},
				EventsItemResponse: map[string]types.EventItemResponse{
					"ev-1": {StatusCode: aws.Int32(202), Message: aws.String("Accepted")},
				},
			},
		}},
	}}
	c := &Client{api: api, timeout: time.Second}

	resp, err := c.PutEvents(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("PutEvents: %v", err)
	}
	if !api.deadline {
		t.Error("per-call timeout not applied")
	}

	if aws.ToString(api.in.ApplicationId) != "app-1" {
		t.Errorf("application id = %q", aws.ToString(api.in.ApplicationId))
	}
	b := api.in.EventsRequest.BatchItem["ep-1"]
	if b.Endpoint == nil || b.Endpoint.ChannelType != types.ChannelTypeGcm || aws.ToString(b.Endpoint.Demographic.Locale) != "ko_KR" {
		t.Errorf("endpoint = %+v", b.Endpoint)
	}
	if b.Endpoint.User != nil || b.Endpoint.Address != nil {
		t.Error("empty user/address should be omitted")
	}
	ev := b.Events["ev-1"]
	if aws.ToString(ev.EventType) != "click" || aws.ToInt32(ev.Session.Duration) != 1500 || ev.Session.StopTimestamp != nil {
		t.Errorf("event = %+v session = %+v", ev, ev.Session)
	}

	item := resp.Results["ep-1"]
	if item.Endpoint == nil || item.Endpoint.StatusCode != 202 {
		t.Errorf("endpoint result = %+v", item.Endpoint)
	}
	if item.Events["ev-1"].Message != "Accepted" {
		t.Errorf("event result = %+v", item.Events)
	}
}

func TestPutEventsEmptyOutput(t *testing.T) {
	c := &Client{api: &fakeAPI{out: &pinpoint.PutEventsOutput{}}}
	resp, err := c.PutEvents(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("PutEvents: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("results = %v", resp.Results)
	}
}

func serviceError(status int, code string) error {
	return &smithy.OperationError{
		ServiceID:     "Pinpoint",
		OperationName: "PutEvents",
		Err: &awshttp.ResponseError{
			ResponseError: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
				Err:      &smithy.GenericAPIError{Code: code, Message: "test"},
			},
		},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   submit.Kind
		class  submit.Class
		status int
	}{
		{"throttled", serviceError(429, "TooManyRequestsException"), submit.KindService, submit.Retryable, 429},
		{"validation", serviceError(400, "ValidationException"), submit.KindService, submit.Permanent, 400},
		{"bad request", serviceError(400, "BadRequestException"), submit.KindService, submit.Permanent, 400},
		{"internal", serviceError(500, "InternalServerErrorException"), submit.KindService, submit.Retryable, 500},
		{"bare api error", &smithy.GenericAPIError{Code: "SerializationException"}, submit.KindService, submit.Permanent, 0},
		{"dns", &smithy.OperationError{Err: &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host"}}}, submit.KindClient, submit.Retryable, 0},
		{"deadline", &smithy.OperationError{Err: context.DeadlineExceeded}, submit.KindClient, submit.Retryable, 0},
		{"other", errors.New("failed to sign request"), submit.KindClient, submit.Permanent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := classify(tt.err)
			if e.Kind != tt.kind || e.Class != tt.class || e.StatusCode != tt.status {
				t.Errorf("got kind=%s class=%s status=%d", e.Kind, e.Class, e.StatusCode)
			}
		})
	}
}

func TestPutEventsReturnsClassifiedError(t *testing.T) {
	c := &Client{api: &fakeAPI{err: serviceError(429, "TooManyRequestsException")}}
	_, err := c.PutEvents(context.Background(), testRequest())

	var se *submit.Error
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *submit.Error", err)
	}
	if !se.Retryable() || se.Code != "TooManyRequestsException" {
		t.Errorf("error = %+v", se)
	}
}
