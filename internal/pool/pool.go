package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// POST /events body 읽기와 dead-letter gzip 인코딩에서
// 매번 버퍼를 새로 잡지 않도록 재사용한다.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - POST body 임시 버퍼 (초기 4KB, 이벤트 1건은 대부분 여기에 들어감)
	//   - 너무 커진 버퍼는 PutBody 에서 버린다
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - gzip 인코딩 결과 버퍼 (초기 64KB)
	//   - 1MB 초과 버퍼는 풀에 넣지 않음
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (BestSpeed)
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool 에 되돌려줄 최대 버퍼 용량
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody 는 maxCap 이하인 버퍼만 BodyPool 에 돌려준다.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer 는 MaxBufferCap 이하인 버퍼만 BufferPool 에 돌려준다.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
