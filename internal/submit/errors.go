package submit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind 는 에러가 관측된 계층.
type Kind uint8

const (
	KindService Kind = iota + 1 // 서비스가 구조화된 에러로 응답
	KindClient                  // 요청이 서비스에 닿지 못했거나 응답을 못 읽음
)

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Class 는 배치를 남길지(Retryable) 버릴지(Permanent).
type Class uint8

const (
	Retryable Class = iota + 1
	Permanent
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Cause 는 client 에러의 근본 원인 분류.
type Cause uint8

const (
	CauseOther Cause = iota
	CauseNameResolution
	CauseConnection
	CauseTimeout
	CauseCanceled
)

func (c Cause) String() string {
	switch c {
	case CauseNameResolution:
		return "name_resolution"
	case CauseConnection:
		return "connection"
	case CauseTimeout:
		return "timeout"
	case CauseCanceled:
		return "canceled"
	default:
		return "other"
	}
}

// 서비스/아이템 응답에서 재시도해도 소용없는 분류. (대소문자 무시)
var permanentCodes = []string{
	"ValidationException",
	"SerializationException",
	"BadRequestException",
}

// IsPermanentCode 는 code 가 재시도 불가 분류에 속하는지 본다.
func IsPermanentCode(code string) bool {
	code = strings.TrimSpace(code)
	for _, p := range permanentCodes {
		if strings.EqualFold(code, p) {
			return true
		}
	}
	return false
}

// Error
// ------------------------------------------------------------
// 네트워크 클라이언트 경계에서 한 번만 만들어지는 제출 에러.
// Class 는 생성 시점에 정해지며, 이후 코드는 문자열 비교 없이 Class 만 본다.
type Error struct {
	Kind       Kind
	Class      Class
	StatusCode int    // service: HTTP status (모르면 0)
	Code       string // service: 에러 분류 문자열
	Cause      Cause  // client: 근본 원인
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindService:
		return fmt.Sprintf("submit: service error %s (status %d, %s): %v", e.Code, e.StatusCode, e.Class, e.Err)
	default:
		return fmt.Sprintf("submit: client error (%s, %s): %v", e.Cause, e.Class, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Retryable() bool {
	return e.Class == Retryable
}

// NewServiceError 는 서비스 에러를 분류한다.
// deny-list 에 없는 code 는 모두 재시도 대상이다. (throttling, 5xx 등)
func NewServiceError(statusCode int, code string, err error) *Error {
	class := Retryable
	if IsPermanentCode(code) {
		class = Permanent
	}
	return &Error{
		Kind:       KindService,
		Class:      class,
		StatusCode: statusCode,
		Code:       code,
		Err:        err,
	}
}

// ClassifyClientError 는 서비스 응답이 없는 에러를 분류한다.
//
//   - DNS 실패            → name_resolution, retryable
//   - 연결 거부/리셋/소켓  → connection, retryable
//   - timeout             → timeout, retryable
//   - context 취소         → canceled, retryable (종료 중에는 이벤트를 남긴다)
//   - 그 외               → other, permanent
func ClassifyClientError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	cause := clientCause(err)
	class := Permanent
	if cause != CauseOther {
		class = Retryable
	}
	return &Error{Kind: KindClient, Class: class, Cause: cause, Err: err}
}

func clientCause(err error) Cause {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseNameResolution
	}
	if errors.Is(err, context.Canceled) {
		return CauseCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return CauseConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return CauseTimeout
		}
		return CauseConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseTimeout
	}
	return CauseOther
}
