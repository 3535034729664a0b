// internal/pinpoint/client.go
package pinpoint

import (
	"context"
	"errors"
	"math"
	"time"

	"event-recorder/internal/submit"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/aws/smithy-go"
)

// putEventsAPI 는 테스트에서 SDK client 를 대체하기 위한 최소 인터페이스.
type putEventsAPI interface {
	PutEvents(ctx context.Context, in *pinpoint.PutEventsInput, optFns ...func(*pinpoint.Options)) (*pinpoint.PutEventsOutput, error)
}

// Client 는 submit.Client 의 Pinpoint 구현.
//
// SDK 자체 retry 는 끈다. 재시도는 다음 사이클이 담당하며,
// 같은 배치를 SDK 가 몰래 여러 번 보내지 않게 하기 위함이다.
// 모든 에러는 여기서 한 번 분류되어 *submit.Error 로 나간다.
type Client struct {
	api     putEventsAPI
	timeout time.Duration
}

// New 는 공유 AWS 설정으로 Pinpoint client 를 만든다.
func New(awsCfg aws.Config, timeout time.Duration) *Client {
	api := pinpoint.NewFromConfig(awsCfg, func(o *pinpoint.Options) {
		o.Retryer = aws.NopRetryer{}
	})
	return &Client{api: api, timeout: timeout}
}

// PutEvents 는 요청 1회를 보낸다. timeout 은 호출 1회 단위.
func (c *Client) PutEvents(ctx context.Context, req *submit.Request) (*submit.Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.api.PutEvents(ctx, toInput(req))
	if err != nil {
		return nil, classify(err)
	}
	return fromOutput(out), nil
}

// classify
// ------------------------------------------------------------
// SDK 에러를 submit.Error 로 바꾼다.
//   - smithy.APIError: 서비스가 응답한 에러 → code 로 분류, HTTP status 첨부
//   - 그 외: 요청이 서비스에 닿지 못함 → 원인(DNS/연결/timeout)으로 분류
func classify(err error) *submit.Error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		status := 0
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			status = respErr.HTTPStatusCode()
		}
		return submit.NewServiceError(status, apiErr.ErrorCode(), err)
	}
	return submit.ClassifyClientError(err)
}

// ======================
// submit → SDK
// ======================

func toInput(req *submit.Request) *pinpoint.PutEventsInput {
	items := make(map[string]types.EventsBatch, len(req.BatchItem))
	for endpointID, b := range req.BatchItem {
		events := make(map[string]types.Event, len(b.Events))
		for id, ev := range b.Events {
			events[id] = toEvent(ev)
		}
		items[endpointID] = types.EventsBatch{
			Endpoint: toEndpoint(b.Endpoint),
			Events:   events,
		}
	}

	return &pinpoint.PutEventsInput{
		ApplicationId: aws.String(req.ApplicationID),
		EventsRequest: &types.EventsRequest{BatchItem: items},
	}
}

func toEndpoint(ep submit.PublicEndpoint) *types.PublicEndpoint {
	out := &types.PublicEndpoint{
		Address:       optString(ep.Address),
		Attributes:    ep.Attributes,
		ChannelType:   types.ChannelType(ep.ChannelType),
		EffectiveDate: optString(ep.EffectiveDate),
		Metrics:       ep.Metrics,
		OptOut:        optString(ep.OptOut),
	}
	if l := ep.Location; l != nil {
		out.Location = &types.EndpointLocation{
			City:       optString(l.City),
			Country:    optString(l.Country),
			Latitude:   l.Latitude,
			Longitude:  l.Longitude,
			PostalCode: optString(l.PostalCode),
			Region:     optString(l.Region),
		}
	}
	if d := ep.Demographic; d != nil {
		out.Demographic = &types.EndpointDemographic{
			AppVersion:      optString(d.AppVersion),
			Locale:          optString(d.Locale),
			Make:            optString(d.Make),
			Model:           optString(d.Model),
			Platform:        optString(d.Platform),
			PlatformVersion: optString(d.PlatformVersion),
			Timezone:        optString(d.Timezone),
		}
	}
	if u := ep.User; u != nil {
		out.User = &types.EndpointUser{
			UserId:         aws.String(u.UserID),
			UserAttributes: u.UserAttributes,
		}
	}
	return out
}

func toEvent(ev submit.WireEvent) types.Event {
	s := &types.Session{
		Id:             aws.String(ev.Session.ID),
		StartTimestamp: aws.String(ev.Session.StartTimestamp),
		StopTimestamp:  optString(ev.Session.StopTimestamp),
	}
	if ev.Session.Duration != nil {
		d := *ev.Session.Duration
		if d > math.MaxInt32 {
			d = math.MaxInt32
		}
		s.Duration = aws.Int32(int32(d))
	}

	return types.Event{
		AppPackageName:   optString(ev.AppPackageName),
		AppTitle:         optString(ev.AppTitle),
		AppVersionCode:   optString(ev.AppVersionCode),
		Attributes:       ev.Attributes,
		ClientSdkVersion: optString(ev.ClientSDKVersion),
		EventType:        aws.String(ev.EventType),
		Metrics:          ev.Metrics,
		SdkName:          optString(ev.SDKName),
		Session:          s,
		Timestamp:        aws.String(ev.Timestamp),
	}
}

// ======================
// SDK → submit
// ======================

func fromOutput(out *pinpoint.PutEventsOutput) *submit.Response {
	resp := &submit.Response{Results: map[string]submit.ItemResponse{}}
	if out == nil || out.EventsResponse == nil {
		return resp
	}

	for endpointID, r := range out.EventsResponse.Results {
		item := submit.ItemResponse{
			Events: make(map[string]submit.EventItemResponse, len(r.EventsItemResponse)),
		}
		if e := r.EndpointItemResponse; e != nil {
			item.Endpoint = &submit.EndpointItemResponse{
				StatusCode: int(aws.ToInt32(e.StatusCode)),
				Message:    aws.ToString(e.Message),
			}
		}
		for id, ev := range r.EventsItemResponse {
			item.Events[id] = submit.EventItemResponse{
				StatusCode: int(aws.ToInt32(ev.StatusCode)),
				Message:    aws.ToString(ev.Message),
			}
		}
		resp.Results[endpointID] = item
	}
	return resp
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
