package submit

import (
	"strings"

	"event-recorder/internal/batch"
	"event-recorder/internal/model"

	"github.com/rs/zerolog/log"
)

// Outcome 은 이벤트 1건의 제출 결과.
type Outcome uint8

const (
	Accepted Outcome = iota + 1
	RetryableFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RetryableFailure:
		return "retryable"
	case PermanentFailure:
		return "permanent"
	default:
		return "unknown"
	}
}

// ItemOutcome 은 아이템 응답 메시지를 분류한다.
// 응답에 해당 id 가 아예 없으면 (ok=false) 재시도 대상이다.
func ItemOutcome(r EventItemResponse, ok bool) Outcome {
	if !ok {
		return RetryableFailure
	}
	msg := strings.TrimSpace(r.Message)
	switch {
	case strings.EqualFold(msg, "Accepted"):
		return Accepted
	case IsPermanentCode(msg):
		return PermanentFailure
	default:
		return RetryableFailure
	}
}

// Summary 는 한 배치의 reconciliation 결과.
type Summary struct {
	Accepted int
	Retained int
	Dropped  []*model.Event
}

// Reconcile
// ------------------------------------------------------------
// 서비스가 2xx 로 응답한 배치를 이벤트 단위로 정리한다.
// 응답은 위치가 아니라 event id 로 찾는다.
//
//   - Accepted  → 계획 유지 (삭제)
//   - 재시도    → 계획에서 제외 (버퍼에 남김)
//   - 영구 실패 → 계획 유지 (삭제, 데이터 유실)
//
// 계획에 이미 없는 row 는 건너뛴다. 손상 row 는 Entries 에 없으므로 항상 삭제된다.
func Reconcile(b *batch.Batch, endpointID string, resp *Response) Summary {
	var items map[string]EventItemResponse
	if resp != nil {
		if ir, ok := resp.Results[endpointID]; ok {
			items = ir.Events
		}
	}

	var s Summary
	for _, e := range b.Entries {
		if !b.Plan.Has(e.RowID) {
			continue
		}

		r, ok := items[e.Event.ID]
		switch ItemOutcome(r, ok) {
		case Accepted:
			s.Accepted++
			log.Debug().Str("event_id", e.Event.ID).Msg("event accepted")
		case RetryableFailure:
			b.Plan.Keep(e.RowID)
			s.Retained++
			log.Warn().Str("event_id", e.Event.ID).Int("status", r.StatusCode).Str("message", r.Message).Bool("missing", !ok).
				Msg("unable to deliver event, event will be saved")
		case PermanentFailure:
			s.Dropped = append(s.Dropped, e.Event)
			log.Error().Str("event_id", e.Event.ID).Int("status", r.StatusCode).Str("message", r.Message).
				Msg("event rejected by service, event will be removed")
		}
	}
	return s
}
