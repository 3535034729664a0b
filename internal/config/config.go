// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------
// 기본값 / 하한값
// ---------------------------------------------------------------
const (
	DefaultMaxPendingSize        int64 = 5 * 1024 * 1024 // 로컬 버퍼 전체 허용 용량 (5MiB)
	MinPendingSize               int64 = 16 * 1024       // 이 값보다 작게 설정해도 강제로 올린다
	DefaultMaxSubmissionSize     int64 = 100 * 1024      // 요청 1회당 payload 합계 상한 (100KiB)
	DefaultMaxSubmissionsAllowed       = 3               // 사이클 1회당 네트워크 제출 횟수 상한
)

// Config
//
// 프로세스 시작 시 Load() 로 한 번 만들어지고 이후에는 변경되지 않는
// 읽기 전용 설정값 모음.
type Config struct {

	// ---------------------------
	// 서비스 식별 / 로깅
	// ---------------------------

	ServiceName string // 로그 공통 필드 service
	InstanceID  string // 호스트명 기반, 실패 시 랜덤 hex
	LogLevel    string // debug | info | warn | error
	LogPretty   bool   // true 면 콘솔 출력, false 면 JSON
	LogSampleN  uint32 // Debug/Info N 건 중 1 건만 기록 (1 이하이면 샘플링 없음)

	// ---------------------------
	// 로컬 HTTP / 저장소
	// ---------------------------

	HTTPAddr    string // 로컬 수집 API bind 주소
	AllowRemote bool   // false 면 loopback 이 아닌 요청은 403
	MaxBodySize int64  // POST /events body 최대 크기
	DBPath      string // SQLite 파일 경로

	// ---------------------------
	// 원격 analytics 엔드포인트 (Pinpoint)
	// ---------------------------

	AWSRegion           string
	AppID               string        // profile 에 application_id 가 없을 때 사용
	EndpointID          string        // profile 에 endpoint_id 가 없을 때 사용
	EndpointProfileFile string        // YAML endpoint profile 경로 (없으면 PUT /endpoint 대기)
	ClientTimeout       time.Duration // PutEvents 1회 호출 timeout

	// ---------------------------
	// 버퍼 / 제출 정책
	// ---------------------------

	MaxPendingSize        int64         // 설정값 그대로. 실제 적용값은 PendingCeiling()
	MaxSubmissionSize     int64         // 배치 1개 payload 바이트 상한
	MaxSubmissionsAllowed int           // 사이클 1회 제출 횟수 상한
	SubmitInterval        time.Duration // 주기적 사이클 트리거 간격
	TriggerQueue          int           // 트리거 backlog (가득 차면 버린다)

	// ---------------------------
	// Dead-letter (영구 실패 이벤트 보관)
	// ---------------------------
	// DeadLetterDir 가 비어 있으면 비활성.
	// DeadLetterBucket 이 비어 있으면 로컬 보관 + TTL 정리만 수행한다.

	DeadLetterDir          string
	DeadLetterMaxAge       time.Duration
	DeadLetterMaxSizeBytes int64
	DeadLetterBucket       string
	DeadLetterPrefix       string
	S3Timeout              time.Duration // S3 PutObject 시도당 timeout
	S3AppRetries           int           // SDK retry 는 항상 끄고 이 값만 사용
}

// Load
//
// 환경 변수 기반으로 Config 를 만든다.
// AWS_REGION 만 필수이고 나머지는 기본값이 있다.
// 값 형식이 잘못된 경우에는 즉시 종료(fail-fast).
func Load() Config {
	return Config{
		ServiceName: envOr("SERVICE_NAME", "event-recorder"),
		InstanceID:  fallbackInstanceID(),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogPretty:   envBoolOr("LOG_PRETTY", false),
		LogSampleN:  uint32(envIntOr("LOG_SAMPLE_N", 1)),

		HTTPAddr:    envOr("HTTP_ADDR", "127.0.0.1:8765"),
		AllowRemote: envBoolOr("ALLOW_REMOTE", false),
		MaxBodySize: envInt64Or("MAX_BODY_SIZE", 64*1024),
		DBPath:      envOr("DB_PATH", "events.db"),

		AWSRegion:           must("AWS_REGION"),
		AppID:               os.Getenv("PINPOINT_APP_ID"),
		EndpointID:          os.Getenv("ENDPOINT_ID"),
		EndpointProfileFile: os.Getenv("ENDPOINT_PROFILE_FILE"),
		ClientTimeout:       envDurOr("CLIENT_TIMEOUT", 15*time.Second),

		MaxPendingSize:        envInt64Or("MAX_PENDING_SIZE", DefaultMaxPendingSize),
		MaxSubmissionSize:     envInt64Or("MAX_SUBMISSION_SIZE", DefaultMaxSubmissionSize),
		MaxSubmissionsAllowed: envIntOr("MAX_SUBMISSIONS_ALLOWED", DefaultMaxSubmissionsAllowed),
		SubmitInterval:        envDurOr("SUBMIT_INTERVAL", 60*time.Second),
		TriggerQueue:          envIntOr("TRIGGER_QUEUE", 1),

		DeadLetterDir:          os.Getenv("DEAD_LETTER_DIR"),
		DeadLetterMaxAge:       envDurOr("DEAD_LETTER_MAX_AGE", 7*24*time.Hour),
		DeadLetterMaxSizeBytes: envInt64Or("DEAD_LETTER_MAX_SIZE_BYTES", 50*1024*1024),
		DeadLetterBucket:       os.Getenv("DEAD_LETTER_BUCKET"),
		DeadLetterPrefix:       envOr("DEAD_LETTER_PREFIX", "dead-letter"),
		S3Timeout:              envDurOr("S3_TIMEOUT", 5*time.Second),
		S3AppRetries:           envIntOr("S3_APP_RETRIES", 3),
	}
}

// PendingCeiling 은 실제로 적용되는 로컬 버퍼 용량 상한.
// 너무 작은 설정값은 record 마다 삭제가 반복되는 thrashing 을 만들기 때문에
// MinPendingSize 아래로는 내려가지 않는다.
func (c Config) PendingCeiling() int64 {
	if c.MaxPendingSize < MinPendingSize {
		return MinPendingSize
	}
	return c.MaxPendingSize
}

// SubmissionSize 는 0 이하 설정을 기본값으로 돌린다.
func (c Config) SubmissionSize() int64 {
	if c.MaxSubmissionSize <= 0 {
		return DefaultMaxSubmissionSize
	}
	return c.MaxSubmissionSize
}

// SubmissionsAllowed 는 0 이하 설정을 기본값으로 돌린다.
func (c Config) SubmissionsAllowed() int {
	if c.MaxSubmissionsAllowed <= 0 {
		return DefaultMaxSubmissionsAllowed
	}
	return c.MaxSubmissionsAllowed
}

// must / envOr / envIntOr / envInt64Or / envDurOr / envBoolOr
//
// 필수 값이 없거나 형식이 잘못되면 즉시 로그 출력 후 종료(fail-fast).
// 선택 값은 비어 있을 때만 기본값을 쓴다. (잘못된 값은 기본값으로 덮지 않는다)
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func envDurOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func envBoolOr(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

// fallbackInstanceID
//
// 이 프로세스를 식별하는 값. dead-letter 파일명과 로그에 쓰인다.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
