// internal/worker/dlq.go
package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"event-recorder/internal/config"
	"event-recorder/internal/metrics"
	"event-recorder/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const metaSuffix = ".meta.json"

// fileUploader 는 dead-letter 파일을 원격 보관소로 올린다. (S3Uploader)
type fileUploader interface {
	UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// DeadLetter
// ------------------------------------------------------------
// 영구 실패로 버퍼에서 지워지는 이벤트를 로컬 디스크에 gzip+JSONL 로 남긴다.
// 버퍼 삭제 여부와는 무관하다. (보관에 실패해도 이벤트는 이미 버려진 것)
//
//   - 용량 상한(DeadLetterMaxSizeBytes)을 넘으면 가장 오래된 파일부터 삭제
//   - 파일명 prefix 의 Unix timestamp 기준 TTL(DeadLetterMaxAge) 초과 시 삭제
//   - uploader 가 있으면 오래된 파일부터 S3 로 올리고 로컬에서 지운다
//
// Archive 는 사이클 worker 에서, ProcessOneCtx 는 별도 루프에서 호출된다.
// mu 는 용량 계산과 "업로드 중인 파일" 표시를 보호한다.
type DeadLetter struct {
	dir        string
	instanceID string
	prefix     string
	maxAge     time.Duration
	maxSize    int64

	metrics  *metrics.Metrics
	uploader fileUploader // nil 이면 로컬 보관 + TTL 만
	encoder  *Encoder
	now      func() time.Time

	mu        sync.Mutex
	sizeBytes int64
	inflight  string
}

// NewDeadLetter 는 디렉토리를 만들고 기존 파일을 스캔해 용량을 복원한다.
// data 파일 없이 남은 meta 파일은 정리한다.
func NewDeadLetter(cfg config.Config, m *metrics.Metrics, up fileUploader) (*DeadLetter, error) {
	if err := os.MkdirAll(cfg.DeadLetterDir, 0o755); err != nil {
		return nil, fmt.Errorf("dead-letter: mkdir %s: %w", cfg.DeadLetterDir, err)
	}

	d := &DeadLetter{
		dir:        cfg.DeadLetterDir,
		instanceID: cfg.InstanceID,
		prefix:     cfg.DeadLetterPrefix,
		maxAge:     cfg.DeadLetterMaxAge,
		maxSize:    cfg.DeadLetterMaxSizeBytes,
		metrics:    m,
		uploader:   up,
		encoder:    NewEncoder(),
		now:        time.Now,
	}

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("dead-letter: scan %s: %w", d.dir, err)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(d.dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(d.dir, name))
			}
			continue
		}
		if name[0] == '.' {
			continue
		}

		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	d.sizeBytes = total
	atomic.StoreInt64(&m.DeadLetterSizeBytes, total)
	atomic.StoreInt64(&m.DeadLetterFilesCurrent, count)

	log.Info().Str("dir", d.dir).Int64("files", count).Int64("bytes", total).Msg("dead-letter archive opened")
	return d, nil
}

// Archive 는 Registry 의 drop listener 로 등록된다.
func (d *DeadLetter) Archive(n metrics.DropNotice) {
	if len(n.Events) == 0 {
		return
	}

	data, err := d.encoder.EncodeJSONLGZ(n.Events)
	if err != nil {
		log.Error().Err(err).Int("events", len(n.Events)).Msg("dead-letter encode failed")
		atomic.AddInt64(&d.metrics.DeadLetterEventsDroppedTotal, int64(len(n.Events)))
		return
	}

	if err := d.Save(data, len(n.Events), n.Reason); err != nil {
		log.Error().Err(err).Int("events", len(n.Events)).Msg("dead-letter save failed")
		atomic.AddInt64(&d.metrics.DeadLetterEventsDroppedTotal, int64(len(n.Events)))
	}
}

// Save 는 인코딩된 파일 1개와 meta 파일을 쓴다.
// 오래된 파일을 지워도 공간이 안 나오면 보관을 포기한다. (에러 아님, 카운트만)
func (d *DeadLetter) Save(data []byte, numEvents int, reason string) error {
	if len(data) == 0 || numEvents <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	size := int64(len(data))
	if !d.ensureCapacityLocked(size) {
		log.Error().Int64("bytes", size).Int("events", numEvents).Msg("dead-letter full, events dropped")
		atomic.AddInt64(&d.metrics.DeadLetterEventsDroppedTotal, int64(numEvents))
		return nil
	}

	filename := NewFilename(d.instanceID, d.now())
	dataPath := filepath.Join(d.dir, filename)

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return err
	}

	// meta 가 없어도 업로드는 된다. (이벤트 수만 1 로 집계)
	if err := writeMeta(dataPath+metaSuffix, numEvents, reason); err != nil {
		log.Warn().Err(err).Str("file", filename).Msg("dead-letter meta write failed")
	}

	d.sizeBytes += size
	atomic.AddInt64(&d.metrics.DeadLetterSizeBytes, size)
	atomic.AddInt64(&d.metrics.DeadLetterFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DeadLetterEventsArchivedTotal, int64(numEvents))

	log.Warn().Str("file", filename).Int("events", numEvents).Str("reason", reason).Msg("events archived to dead-letter")
	return nil
}

// ensureCapacityLocked 는 maxSize 를 넘지 않도록 오래된 파일부터 지운다.
// 업로드 중인 파일은 건드리지 않는다. 지울 파일이 없으면 false.
func (d *DeadLetter) ensureCapacityLocked(incoming int64) bool {
	if d.maxSize <= 0 {
		return true
	}

	for d.sizeBytes+incoming > d.maxSize {
		oldest := d.pickOldest(d.inflight)
		if oldest == "" {
			return false
		}

		d.removeLocked(oldest)
		atomic.AddInt64(&d.metrics.DeadLetterFilesExpiredTotal, 1)
		log.Warn().Str("file", oldest).Msg("dead-letter capacity, oldest file removed")
	}
	return true
}

// removeLocked 는 data/meta 를 지우고 용량을 차감한다.
func (d *DeadLetter) removeLocked(name string) {
	dataPath := filepath.Join(d.dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		d.sizeBytes -= info.Size()
		atomic.AddInt64(&d.metrics.DeadLetterSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&d.metrics.DeadLetterFilesCurrent, -1)
}

// ProcessOneCtx
// ------------------------------------------------------------
// 가장 오래된 파일 1개를 처리한다.
//  1. TTL 초과면 삭제
//  2. uploader 가 없으면 여기서 끝 (로컬 보관)
//  3. gzip+JSONL 첫 줄이 정상 이벤트면 <prefix>/..., 아니면 <prefix>/corrupt/... 로 업로드
//  4. 업로드 성공 시 로컬 삭제
//
// 처리한 파일이 있으면 true.
func (d *DeadLetter) ProcessOneCtx(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	d.mu.Lock()
	name := d.pickOldest("")
	if name == "" {
		d.mu.Unlock()
		return false
	}

	if d.maxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := d.now().Sub(time.Unix(sec, 0))
			if age > d.maxAge {
				d.removeLocked(name)
				atomic.AddInt64(&d.metrics.DeadLetterFilesExpiredTotal, 1)
				d.mu.Unlock()
				log.Info().Str("file", name).Dur("age", age).Msg("dead-letter TTL expired, file deleted")
				return true
			}
		}
	}

	if d.uploader == nil {
		d.mu.Unlock()
		return false
	}
	d.inflight = name
	d.mu.Unlock()

	uploaded, numEvents := d.upload(ctx, name)

	d.mu.Lock()
	d.inflight = ""
	if uploaded {
		d.removeLocked(name)
		atomic.AddInt64(&d.metrics.DeadLetterEventsUploadedTotal, numEvents)
	}
	d.mu.Unlock()

	return uploaded
}

func (d *DeadLetter) upload(ctx context.Context, name string) (bool, int64) {
	dataPath := filepath.Join(d.dir, name)

	f, err := os.Open(dataPath)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("dead-letter open failed")
		return false, 0
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, 0
	}
	size := info.Size()

	valid := validateFile(f, size)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("dead-letter seek failed")
		return false, 0
	}

	prefix := d.prefix
	if !valid {
		prefix += "/corrupt"
	}
	key := BuildS3Key(prefix, name, d.now())

	if err := d.uploader.UploadFileWithRetryCtx(ctx, key, f, size); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("dead-letter upload failed")
		return false, 0
	}

	numEvents := readMetaEvents(dataPath + metaSuffix)

	log.Info().Str("key", key).Int64("events", numEvents).Bool("valid", valid).Msg("dead-letter file uploaded")
	return true, numEvents
}

type fileMeta struct {
	NumEvents int64  `json:"num_events"`
	Reason    string `json:"reason,omitempty"`
}

func writeMeta(path string, numEvents int, reason string) error {
	meta, err := json.Marshal(fileMeta{NumEvents: int64(numEvents), Reason: reason})
	if err != nil {
		return fmt.Errorf("dead-letter: meta encode: %w", err)
	}
	if err := os.WriteFile(path, meta, 0o600); err != nil {
		return fmt.Errorf("dead-letter: meta write: %w", err)
	}
	return nil
}

// readMetaEvents 는 meta 의 이벤트 수. 읽을 수 없으면 1.
func readMetaEvents(path string) int64 {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 1
	}
	var v fileMeta
	if err := json.Unmarshal(raw, &v); err != nil || v.NumEvents <= 0 {
		log.Warn().Err(err).Str("file", path).Msg("dead-letter meta unreadable")
		return 1
	}
	return v.NumEvents
}

// validateFile 은 gzip 을 풀어 첫 줄이 event_id 를 가진 이벤트인지 본다.
func validateFile(f io.ReadSeeker, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var ev model.Event
	return json.Unmarshal(line, &ev) == nil && ev.ID != ""
}

// pickOldest 는 data 파일 중 이름(=시간) 순으로 가장 앞선 것을 고른다.
// skip 과 같은 이름은 건너뛴다.
func (d *DeadLetter) pickOldest(skip string) string {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "" || name[0] == '.' || name == skip {
			continue
		}
		if strings.HasSuffix(name, metaSuffix) {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}
