package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 파이프라인 상태를 나타내는 카운터 모음이다.
// 전역 변수가 아니라 main 에서 만들어 각 구성요소에 주입한다.
type Metrics struct {
	// ======================
	// record() 경로
	// ======================

	// EventsRecordedTotal
	// - 로컬 버퍼에 정상 저장된 이벤트 수.
	EventsRecordedTotal int64

	// EventsRecordFailedTotal
	// - nil/invalid 이벤트, 직렬화 실패, insert 실패로 저장되지 못한 수.
	EventsRecordFailedTotal int64

	// EventsEvictedTotal
	// - 버퍼 용량 상한 때문에 전송 전에 삭제된 (가장 오래된) 이벤트 수.
	// - 이 값이 계속 오르면 전송이 생성 속도를 못 따라가고 있다는 뜻.
	EventsEvictedTotal int64

	// HTTP 요청 (로컬 수집 API)
	HTTPRequestsTotal         int64
	HTTPRequestsRejectedTotal int64 // 400 / 403 / 413
	HTTPRequestsBodyTooLarge  int64

	// ======================
	// 사이클 / 제출
	// ======================

	CyclesTotal            int64 // 실행된 사이클 수 (빈 버퍼 포함)
	TriggersDiscardedTotal int64 // backlog 가 가득 차 버려진 트리거 수
	SubmissionsTotal       int64 // PutEvents 호출 수

	EventsAcceptedTotal int64 // 서버가 Accepted 로 응답한 이벤트
	EventsRetainedTotal int64 // 재시도 대상으로 버퍼에 남긴 이벤트 (item/service/client)
	EventsDroppedTotal  int64 // 영구 실패로 버린 이벤트 (데이터 유실)
	EventsCorruptTotal  int64 // 디코딩 실패로 버퍼에서 제거된 row

	DeleteErrorsTotal         int64 // 삭제 실패 (not found 포함)
	EndpointUpdateErrorsTotal int64 // endpoint item status != 202

	// PendingBytes / PendingEvents
	// - 마지막 사이클 종료 시점의 버퍼 상태 (gauge).
	PendingBytes  int64
	PendingEvents int64

	// ======================
	// Dead-letter
	// ======================

	DeadLetterEventsArchivedTotal int64
	DeadLetterEventsUploadedTotal int64
	DeadLetterEventsDroppedTotal  int64 // 보관 용량 부족으로 보관조차 못 한 이벤트
	DeadLetterFilesExpiredTotal   int64
	DeadLetterFilesCurrent        int64
	DeadLetterSizeBytes           int64
	S3PutErrorsTotal              int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "events_recorded_total=%d\n", atomic.LoadInt64(&m.EventsRecordedTotal))
	fmt.Fprintf(&sb, "events_record_failed_total=%d\n", atomic.LoadInt64(&m.EventsRecordFailedTotal))
	fmt.Fprintf(&sb, "events_evicted_total=%d\n", atomic.LoadInt64(&m.EventsEvictedTotal))

	fmt.Fprintf(&sb, "http_requests_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsTotal))
	fmt.Fprintf(&sb, "http_requests_rejected_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsRejectedTotal))
	fmt.Fprintf(&sb, "http_requests_body_too_large_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsBodyTooLarge))

	fmt.Fprintf(&sb, "cycles_total=%d\n", atomic.LoadInt64(&m.CyclesTotal))
	fmt.Fprintf(&sb, "triggers_discarded_total=%d\n", atomic.LoadInt64(&m.TriggersDiscardedTotal))
	fmt.Fprintf(&sb, "submissions_total=%d\n", atomic.LoadInt64(&m.SubmissionsTotal))
	fmt.Fprintf(&sb, "events_accepted_total=%d\n", atomic.LoadInt64(&m.EventsAcceptedTotal))
	fmt.Fprintf(&sb, "events_retained_total=%d\n", atomic.LoadInt64(&m.EventsRetainedTotal))
	fmt.Fprintf(&sb, "events_dropped_total=%d\n", atomic.LoadInt64(&m.EventsDroppedTotal))
	fmt.Fprintf(&sb, "events_corrupt_total=%d\n", atomic.LoadInt64(&m.EventsCorruptTotal))
	fmt.Fprintf(&sb, "delete_errors_total=%d\n", atomic.LoadInt64(&m.DeleteErrorsTotal))
	fmt.Fprintf(&sb, "endpoint_update_errors_total=%d\n", atomic.LoadInt64(&m.EndpointUpdateErrorsTotal))
	fmt.Fprintf(&sb, "pending_bytes=%d\n", atomic.LoadInt64(&m.PendingBytes))
	fmt.Fprintf(&sb, "pending_events=%d\n", atomic.LoadInt64(&m.PendingEvents))

	fmt.Fprintf(&sb, "dead_letter_events_archived_total=%d\n", atomic.LoadInt64(&m.DeadLetterEventsArchivedTotal))
	fmt.Fprintf(&sb, "dead_letter_events_uploaded_total=%d\n", atomic.LoadInt64(&m.DeadLetterEventsUploadedTotal))
	fmt.Fprintf(&sb, "dead_letter_events_dropped_total=%d\n", atomic.LoadInt64(&m.DeadLetterEventsDroppedTotal))
	fmt.Fprintf(&sb, "dead_letter_files_expired_total=%d\n", atomic.LoadInt64(&m.DeadLetterFilesExpiredTotal))
	fmt.Fprintf(&sb, "dead_letter_files_current=%d\n", atomic.LoadInt64(&m.DeadLetterFilesCurrent))
	fmt.Fprintf(&sb, "dead_letter_size_bytes=%d\n", atomic.LoadInt64(&m.DeadLetterSizeBytes))
	fmt.Fprintf(&sb, "s3_put_errors_total=%d\n", atomic.LoadInt64(&m.S3PutErrorsTotal))

	return sb.String()
}
