// internal/endpoint/provider.go
package endpoint

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"event-recorder/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Provider 는 현재 endpoint profile 을 보관한다.
// 사이클 worker 가 읽고 HTTP 핸들러가 교체하므로 atomic.Pointer 로 둔다.
// profile 은 교체만 하고 제자리 수정은 하지 않는다.
type Provider struct {
	current atomic.Pointer[model.EndpointProfile]

	defaultAppID      string
	defaultEndpointID string
	now               func() time.Time
}

func NewProvider(defaultAppID, defaultEndpointID string) *Provider {
	return &Provider{
		defaultAppID:      defaultAppID,
		defaultEndpointID: defaultEndpointID,
		now:               time.Now,
	}
}

// Current 는 설정된 profile 을 반환한다. 아직 없으면 nil.
func (p *Provider) Current() *model.EndpointProfile {
	return p.current.Load()
}

// Update 는 profile 을 정규화한 뒤 교체한다.
//   - application_id / endpoint_id 가 비어 있으면 기본값 (endpoint_id 는 없으면 UUID 생성)
//   - effective_date 가 없으면 지금
//   - opt_out 이 없으면 NONE
func (p *Provider) Update(ep model.EndpointProfile) (*model.EndpointProfile, error) {
	if ep.ApplicationID == "" {
		ep.ApplicationID = p.defaultAppID
	}
	if ep.ApplicationID == "" {
		return nil, fmt.Errorf("endpoint: application_id is required")
	}
	if ep.EndpointID == "" {
		ep.EndpointID = p.defaultEndpointID
	}
	if ep.EndpointID == "" {
		ep.EndpointID = uuid.NewString()
	}
	if ep.EffectiveDate == 0 {
		ep.EffectiveDate = p.now().UnixMilli()
	}
	ep.OptOut = strings.ToUpper(strings.TrimSpace(ep.OptOut))
	if ep.OptOut == "" {
		ep.OptOut = "NONE"
	}
	if ep.OptOut != "NONE" && ep.OptOut != "ALL" {
		return nil, fmt.Errorf("endpoint: opt_out must be NONE or ALL, got %q", ep.OptOut)
	}

	stored := ep
	stored.Attributes = cloneAttributes(ep.Attributes)
	stored.Metrics = maps.Clone(ep.Metrics)
	stored.User.UserAttributes = cloneAttributes(ep.User.UserAttributes)
	p.current.Store(&stored)
	log.Info().
		Str("application_id", stored.ApplicationID).
		Str("endpoint_id", stored.EndpointID).
		Msg("endpoint profile updated")
	return &stored, nil
}

// LoadFile 은 YAML profile 파일을 읽어 Update 한다.
func (p *Provider) LoadFile(path string) (*model.EndpointProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("endpoint: read %s: %w", path, err)
	}

	var ep model.EndpointProfile
	if err := yaml.Unmarshal(raw, &ep); err != nil {
		return nil, fmt.Errorf("endpoint: parse %s: %w", path, err)
	}
	return p.Update(ep)
}

// cloneAttributes 는 값 slice 까지 복사한다. 호출자가 넘긴 map 을 나중에 고쳐도
// 저장된 profile 은 바뀌지 않는다.
func cloneAttributes(src map[string][]string) map[string][]string {
	if src == nil {
		return nil
	}
	out := make(map[string][]string, len(src))
	for k, v := range src {
		out[k] = slices.Clone(v)
	}
	return out
}
