// internal/worker/file_util.go
package worker

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// file_util.go
// ------------------------------------------------------------
// dead-letter 파일명 / S3 key 규칙.
//
// 파일명 규칙:
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// 예:
//
//	1764721594_laptop-3_000042.jsonl.gz
//
// 문자열 정렬 = 시간 순 정렬이므로 pickOldest 와 TTL 판단이 파일명만으로 가능하다.
var fileCounter uint64

// NextCounter 는 파일명용 순번. 1e6 에서 0 으로 돌아간다.
func NextCounter() uint64 {
	return atomic.AddUint64(&fileCounter, 1) % 1_000_000
}

// NewFilename 은 now 기준 새 파일명을 만든다.
// instance 에 들어 있는 '/' 와 '_' 는 '-' 로 바꾼다. (경로 / 파싱 보호)
func NewFilename(instanceID string, now time.Time) string {
	inst := strings.NewReplacer("/", "-", "_", "-").Replace(instanceID)
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", now.Unix(), inst, NextCounter())
}

// BuildS3Key
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>   (UTC)
func BuildS3Key(prefix, filename string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, now.Format("2006-01-02"), now.Format("15"), filename)
}

// extractUnixFromFilename 은 파일명 prefix 의 Unix seconds 를 읽는다.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
