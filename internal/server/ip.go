package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// IP Utility Functions
//
// 수집 API 는 호스트 애플리케이션 옆에서 loopback 으로만 열리는 것이 기본이다.
// 실수로 0.0.0.0 에 bind 되더라도 외부에서 이벤트를 밀어넣거나
// endpoint profile 을 바꾸지 못하도록 RemoteAddr 로 판단한다.
// (프록시 헤더는 믿지 않는다. 앞단 프록시가 없는 구성)
// ------------------------------------------------------------

// safeParseIP:
//   - 공백/빈 값 대응
//   - 잘못된 값이 들어오면 nil 반환
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// remoteIP 는 RemoteAddr 에서 포트를 뗀 IP. 파싱 실패 시 nil.
// 예: "127.0.0.1:53122", "[::1]:53122"
func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return safeParseIP(host)
}

// isLocalRequest 는 loopback 에서 온 요청인지 본다.
func isLocalRequest(r *http.Request) bool {
	ip := remoteIP(r)
	return ip != nil && ip.IsLoopback()
}
