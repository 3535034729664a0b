package worker

import (
	"bytes"

	"event-recorder/internal/model"
	"event-recorder/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Encoder 는 이벤트 묶음을 JSONL → gzip 으로 직렬화한다.
// dead-letter 파일 포맷이 이것 하나뿐이다.
//   - gzip.Writer / bytes.Buffer 는 pool 에서 재사용
//   - 결과는 새 []byte 로 복사해 호출자에게 넘긴다 (pool 버퍼를 그대로 넘기면 오염)
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeJSONLGZ 는 이벤트마다 한 줄씩 JSON 으로 쓰고 gzip 으로 닫는다.
func (e *Encoder) EncodeJSONLGZ(events []*model.Event) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	enc := json.NewEncoder(gz)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			pool.PutBuffer(buf)
			return nil, err
		}
	}

	// Close 해야 gzip footer 까지 써진다
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	pool.PutBuffer(buf)

	return data, nil
}
