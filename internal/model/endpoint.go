package model

// EndpointProfile
// ------------------------------------------------------------
// 모든 배치에 함께 실려 나가는 디바이스/유저 프로필 (endpoint context).
// YAML 파일 또는 PUT /endpoint 로 주입되며, 아직 설정되지 않았다면
// 제출 사이클은 아무것도 보내지 않고 이벤트를 그대로 남겨둔다.
type EndpointProfile struct {
	ApplicationID string              `json:"application_id" yaml:"application_id"`
	EndpointID    string              `json:"endpoint_id" yaml:"endpoint_id"`
	ChannelType   string              `json:"channel_type" yaml:"channel_type"`
	Address       string              `json:"address,omitempty" yaml:"address"`
	Location      EndpointLocation    `json:"location" yaml:"location"`
	Demographic   EndpointDemographic `json:"demographic" yaml:"demographic"`
	EffectiveDate int64               `json:"effective_date" yaml:"effective_date"` // epoch millis
	OptOut        string              `json:"opt_out" yaml:"opt_out"`               // "ALL" | "NONE"
	Attributes    map[string][]string `json:"attributes,omitempty" yaml:"attributes"`
	Metrics       map[string]float64  `json:"metrics,omitempty" yaml:"metrics"`
	User          EndpointUser        `json:"user" yaml:"user"`
}

type EndpointLocation struct {
	Latitude   *float64 `json:"latitude,omitempty" yaml:"latitude"`
	Longitude  *float64 `json:"longitude,omitempty" yaml:"longitude"`
	PostalCode string   `json:"postal_code,omitempty" yaml:"postal_code"`
	City       string   `json:"city,omitempty" yaml:"city"`
	Region     string   `json:"region,omitempty" yaml:"region"`
	Country    string   `json:"country,omitempty" yaml:"country"`
}

type EndpointDemographic struct {
	AppVersion      string `json:"app_version,omitempty" yaml:"app_version"`
	Locale          string `json:"locale,omitempty" yaml:"locale"`
	Timezone        string `json:"timezone,omitempty" yaml:"timezone"`
	Make            string `json:"make,omitempty" yaml:"make"`
	Model           string `json:"model,omitempty" yaml:"model"`
	Platform        string `json:"platform,omitempty" yaml:"platform"`
	PlatformVersion string `json:"platform_version,omitempty" yaml:"platform_version"`
}

// EndpointUser 는 UserID 가 비어 있으면 요청에서 생략된다.
type EndpointUser struct {
	UserID         string              `json:"user_id,omitempty" yaml:"user_id"`
	UserAttributes map[string][]string `json:"user_attributes,omitempty" yaml:"user_attributes"`
}
