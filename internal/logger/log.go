// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"event-recorder/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번만 호출한다.
//
//  1. LOG_LEVEL 로 최소 출력 레벨 결정
//  2. LOG_PRETTY=true 면 콘솔용 텍스트, 아니면 JSON
//  3. 모든 로그에 service / instance 필드 부착
//  4. LOG_SAMPLE_N > 1 이면 Debug/Info 만 샘플링 (Warn/Error 는 항상 기록)
//  5. 전역 zerolog 로거 교체 + 표준 log 패키지도 zerolog 로 연결
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Msg("recorder started")
func Init(cfg config.Config) {
	zlog.Logger = New(cfg, nil)

	// 표준 log 패키지 출력도 zerolog 규칙을 따르도록 연결
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 Init 과 같은 규칙으로 로거를 만들어 반환한다.
// w 가 nil 이면 LOG_PRETTY 설정에 따라 stdout 으로 쓴다. (테스트에서는 버퍼 주입)
func New(cfg config.Config, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	if w == nil {
		if cfg.LogPretty {
			// 로컬 개발: 시간만 짧게
			w = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: "15:04:05",
			}
		} else {
			w = os.Stdout
		}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}
	return base
}

// Clip 은 로그에 남기는 사용자 문자열(event type 등)을 n 글자로 자른다.
// 긴 값이나 민감할 수 있는 값이 로그에 통째로 남지 않도록 한다.
func Clip(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
