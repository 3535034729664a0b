// internal/batch/assembler.go
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"event-recorder/internal/model"
	"event-recorder/internal/store"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// MaxEventsPerBatch 는 PutEvents 한 번에 실을 수 있는 이벤트 수의 서비스 상한.
// 설정값과 무관하게 항상 적용된다.
const MaxEventsPerBatch = 100

var errMissingField = errors.New("batch: decoded event has no event_id or event_type")

// Plan 은 삭제 계획. row id → 캐시된 size (모르면 store.SizeUnknown).
//
// 읽은 row 는 일단 전부 삭제 대상으로 넣고, reconciliation 에서
// 재시도할 id 만 빼낸다. 계획을 실제로 적용하는 것은 recorder 쪽이다.
type Plan map[int64]int64

// Keep 은 id 를 삭제 대상에서 뺀다. (다음 사이클까지 버퍼에 남김)
func (p Plan) Keep(id int64) {
	delete(p, id)
}

// Clear 는 전부 남긴다.
func (p Plan) Clear() {
	clear(p)
}

func (p Plan) Has(id int64) bool {
	_, ok := p[id]
	return ok
}

// IDs 는 오름차순 id 목록.
func (p Plan) IDs() []int64 {
	ids := make([]int64, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entry 는 배치에 실린 이벤트 1건과 그 row 정보.
type Entry struct {
	RowID int64
	Event *model.Event
	Size  int64 // payload 실제 길이
}

// Batch 는 제출 1회 분량. 저장되지 않고 사이클 한 스텝 동안만 존재한다.
type Batch struct {
	Entries []Entry
	Plan    Plan
	Bytes   int64 // Entries payload 길이 합
	Corrupt int   // 디코딩에 실패해 계획에만 들어간 row 수
}

// Empty 는 읽은 row 가 하나도 없을 때 true.
func (b *Batch) Empty() bool {
	return len(b.Entries) == 0 && len(b.Plan) == 0
}

// Events 는 batch 의 이벤트를 순서대로 돌려준다.
func (b *Batch) Events() []*model.Event {
	out := make([]*model.Event, 0, len(b.Entries))
	for _, e := range b.Entries {
		out = append(out, e.Event)
	}
	return out
}

// Decode 는 저장된 payload 를 이벤트로 복원한다.
// JSON 은 읽혔어도 event_id / event_type 이 비어 있으면 손상으로 본다.
// (id 가 없으면 응답과 다시 매칭할 수 없다)
func Decode(payload []byte) (*model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("batch: decode: %w", err)
	}
	if ev.ID == "" || ev.EventType == "" {
		return nil, errMissingField
	}
	return &ev, nil
}

// Next
// ------------------------------------------------------------
// 커서 위치부터 삽입 순서대로 row 를 읽어 batch 하나를 만든다.
// 저장소는 건드리지 않는다. (읽기 전용 패스)
//
//   - 손상된 row: 계획에만 넣고 batch 에서는 제외 (무조건 삭제 대상)
//   - 정상 row: payload 길이를 누적하며 maxBytes 를 넘기기 직전에 멈춤
//   - MaxEventsPerBatch 에 도달하면 멈춤
//   - 이미 batch 에 있는 event_id 가 다시 나오면 멈춤 (요청/응답이 id 로 묶이므로
//     같은 id 두 건은 한 요청에 실을 수 없다. 그 row 는 다음 batch 로 넘어간다)
//
// 경계를 넘기는 row 는 Advance 하지 않으므로 다음 Next 호출의 첫 row 가 된다.
// 첫 row 하나만으로 maxBytes 를 넘으면 그 row 하나만 담는다. (버퍼가 영원히 막히지 않도록)
//
// 커서 조회가 실패하면 그 때까지 읽은 batch 와 에러를 함께 반환한다.
func Next(ctx context.Context, cur store.Cursor, maxBytes int64) (*Batch, error) {
	b := &Batch{Plan: Plan{}}
	seen := make(map[string]struct{})

	for len(b.Entries) < MaxEventsPerBatch {
		row, ok, err := cur.Peek(ctx)
		if err != nil {
			return b, err
		}
		if !ok {
			break
		}

		ev, err := Decode(row.Payload)
		if err != nil {
			log.Warn().Err(err).Int64("row_id", row.ID).Msg("corrupt event in buffer, scheduled for deletion")
			b.Plan[row.ID] = row.CachedSize()
			b.Corrupt++
			cur.Advance()
			continue
		}

		if _, dup := seen[ev.ID]; dup {
			log.Warn().Str("event_id", ev.ID).Int64("row_id", row.ID).Msg("duplicate event id, deferred to next batch")
			break
		}

		size := int64(len(row.Payload))
		if len(b.Entries) > 0 && b.Bytes+size > maxBytes {
			break
		}

		seen[ev.ID] = struct{}{}
		b.Entries = append(b.Entries, Entry{RowID: row.ID, Event: ev, Size: size})
		b.Bytes += size
		b.Plan[row.ID] = row.CachedSize()
		cur.Advance()

		if b.Bytes >= maxBytes {
			break
		}
	}

	return b, nil
}
