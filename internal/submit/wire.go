package submit

import (
	"time"

	"event-recorder/internal/batch"
	"event-recorder/internal/model"
)

// timestampLayout 는 요청에 들어가는 모든 시각의 형식. (ISO-8601, UTC, 밀리초)
const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp 는 epoch millis 를 요청용 문자열로 바꾼다.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(timestampLayout)
}

// ======================
// 요청
// ======================

// Request 는 PutEvents 1회 분량. BatchItem 은 endpoint id 하나만 갖는다.
type Request struct {
	ApplicationID string                 `json:"applicationId"`
	BatchItem     map[string]EventsBatch `json:"batchItem"`
}

type EventsBatch struct {
	Endpoint PublicEndpoint       `json:"endpoint"`
	Events   map[string]WireEvent `json:"events"`
}

type PublicEndpoint struct {
	ChannelType   string              `json:"channelType,omitempty"`
	Address       string              `json:"address,omitempty"`
	Location      *Location           `json:"location,omitempty"`
	Demographic   *Demographic        `json:"demographic,omitempty"`
	EffectiveDate string              `json:"effectiveDate,omitempty"`
	OptOut        string              `json:"optOut,omitempty"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
	Metrics       map[string]float64  `json:"metrics,omitempty"`
	User          *User               `json:"user,omitempty"`
}

type Location struct {
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	City       string   `json:"city,omitempty"`
	Region     string   `json:"region,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type Demographic struct {
	AppVersion      string `json:"appVersion,omitempty"`
	Locale          string `json:"locale,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	Make            string `json:"make,omitempty"`
	Model           string `json:"model,omitempty"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platformVersion,omitempty"`
}

type User struct {
	UserID         string              `json:"userId"`
	UserAttributes map[string][]string `json:"userAttributes,omitempty"`
}

type WireEvent struct {
	AppPackageName   string             `json:"appPackageName,omitempty"`
	AppTitle         string             `json:"appTitle,omitempty"`
	AppVersionCode   string             `json:"appVersionCode,omitempty"`
	Attributes       map[string]string  `json:"attributes,omitempty"`
	ClientSDKVersion string             `json:"clientSdkVersion,omitempty"`
	EventType        string             `json:"eventType"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	SDKName          string             `json:"sdkName,omitempty"`
	Session          WireSession        `json:"session"`
	Timestamp        string             `json:"timestamp"`
}

// WireSession 의 StopTimestamp / Duration 은 세션이 끝났을 때만 채운다.
type WireSession struct {
	ID             string `json:"id"`
	StartTimestamp string `json:"startTimestamp"`
	StopTimestamp  string `json:"stopTimestamp,omitempty"`
	Duration       *int64 `json:"duration,omitempty"`
}

// ======================
// 응답
// ======================

// Response 는 endpoint id → 결과.
type Response struct {
	Results map[string]ItemResponse
}

type ItemResponse struct {
	Endpoint *EndpointItemResponse        // nil 이면 endpoint 결과 없음
	Events   map[string]EventItemResponse // event id → 결과 (일부 누락 가능)
}

type EndpointItemResponse struct {
	StatusCode int
	Message    string
}

type EventItemResponse struct {
	StatusCode int
	Message    string
}

// BuildRequest 는 endpoint profile 과 batch 로 요청을 만든다.
// profile 에 application id 가 없으면 defaultAppID 를 쓴다.
func BuildRequest(ep *model.EndpointProfile, b *batch.Batch, defaultAppID string) *Request {
	appID := ep.ApplicationID
	if appID == "" {
		appID = defaultAppID
	}

	events := make(map[string]WireEvent, len(b.Entries))
	for _, e := range b.Entries {
		events[e.Event.ID] = wireEvent(e.Event)
	}

	return &Request{
		ApplicationID: appID,
		BatchItem: map[string]EventsBatch{
			ep.EndpointID: {
				Endpoint: publicEndpoint(ep),
				Events:   events,
			},
		},
	}
}

func publicEndpoint(ep *model.EndpointProfile) PublicEndpoint {
	pe := PublicEndpoint{
		ChannelType: ep.ChannelType,
		Address:     ep.Address,
		OptOut:      ep.OptOut,
		Attributes:  ep.Attributes,
		Metrics:     ep.Metrics,
		Location: &Location{
			Latitude:   ep.Location.Latitude,
			Longitude:  ep.Location.Longitude,
			PostalCode: ep.Location.PostalCode,
			City:       ep.Location.City,
			Region:     ep.Location.Region,
			Country:    ep.Location.Country,
		},
		Demographic: &Demographic{
			AppVersion:      ep.Demographic.AppVersion,
			Locale:          ep.Demographic.Locale,
			Timezone:        ep.Demographic.Timezone,
			Make:            ep.Demographic.Make,
			Model:           ep.Demographic.Model,
			Platform:        ep.Demographic.Platform,
			PlatformVersion: ep.Demographic.PlatformVersion,
		},
	}
	if ep.EffectiveDate > 0 {
		pe.EffectiveDate = FormatTimestamp(ep.EffectiveDate)
	}
	if ep.User.UserID != "" {
		pe.User = &User{
			UserID:         ep.User.UserID,
			UserAttributes: ep.User.UserAttributes,
		}
	}
	return pe
}

func wireEvent(ev *model.Event) WireEvent {
	s := WireSession{
		ID:             ev.Session.ID,
		StartTimestamp: FormatTimestamp(ev.Session.StartTimestamp),
	}
	if ev.Session.StopTimestamp != 0 {
		s.StopTimestamp = FormatTimestamp(ev.Session.StopTimestamp)
	}
	if ev.Session.Duration != 0 {
		d := ev.Session.Duration
		s.Duration = &d
	}

	return WireEvent{
		AppPackageName:   ev.App.PackageName,
		AppTitle:         ev.App.Title,
		AppVersionCode:   ev.App.VersionCode,
		Attributes:       ev.Attributes,
		ClientSDKVersion: ev.SDKVersion,
		EventType:        ev.EventType,
		Metrics:          ev.Metrics,
		SDKName:          ev.SDKName,
		Session:          s,
		Timestamp:        FormatTimestamp(ev.Timestamp),
	}
}
