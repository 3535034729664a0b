// internal/model/event.go
package model

import "strings"

// Event
// ------------------------------------------------------------
// 호스트 애플리케이션이 기록하는 단일 analytics 이벤트.
// Record 시점에 event_id / timestamp 가 채워진 뒤 직렬화되어
// 로컬 버퍼(SQLite)에 저장되며, 이후 payload 는 절대 수정하지 않는다.
//
// event_id 는 서버 응답(per-item status)을 원래 이벤트에 다시
// 매칭시키는 키이므로 반드시 이벤트마다 고유해야 한다.
type Event struct {
	ID         string             `json:"event_id"`
	EventType  string             `json:"event_type"`
	Timestamp  int64              `json:"timestamp"` // epoch millis (UTC)
	Session    Session            `json:"session"`
	App        AppDetails         `json:"app"`
	SDKName    string             `json:"sdk_name,omitempty"`
	SDKVersion string             `json:"sdk_version,omitempty"`
	Attributes map[string]string  `json:"attributes,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// Session 은 이벤트가 속한 앱 세션 정보.
// Stop / Duration 은 0 이면 "아직 진행 중" 으로 간주하고 전송하지 않는다.
type Session struct {
	ID             string `json:"id"`
	StartTimestamp int64  `json:"start_timestamp"` // epoch millis
	StopTimestamp  int64  `json:"stop_timestamp,omitempty"`
	Duration       int64  `json:"duration,omitempty"` // millis
}

// AppDetails 는 이벤트를 만든 앱의 식별 정보.
type AppDetails struct {
	PackageName string `json:"package_name,omitempty"`
	Title       string `json:"title,omitempty"`
	VersionCode string `json:"version_code,omitempty"`
}

// Valid 는 기록 가능한 최소 조건만 검사한다.
// (event_id 는 Record 에서 부여되므로 여기서는 보지 않는다)
func (e *Event) Valid() bool {
	if e == nil {
		return false
	}
	t := strings.TrimSpace(e.EventType)
	return t != "" && len(t) <= 256
}
