package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"event-recorder/internal/config"
	"event-recorder/internal/endpoint"
	"event-recorder/internal/logger"
	"event-recorder/internal/metrics"
	"event-recorder/internal/pinpoint"
	"event-recorder/internal/recorder"
	"event-recorder/internal/server"
	"event-recorder/internal/store"
	"event-recorder/internal/submit"
	"event-recorder/internal/worker"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {

	// ====================================================================
	// Flags / .env
	// ====================================================================
	//
	// --env-file: 로컬 개발용. 이미 설정된 환경 변수는 덮지 않는다.
	// --profile : ENDPOINT_PROFILE_FILE 대신 쓸 YAML endpoint profile.
	// ====================================================================
	envFile := pflag.String("env-file", "", "load environment variables from this .env file")
	profile := pflag.String("profile", "", "endpoint profile YAML (overrides ENDPOINT_PROFILE_FILE)")
	pflag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatal().Err(err).Str("file", *envFile).Msg("env file load failed")
		}
	}

	// ====================================================================
	// Config / Logger / Metrics
	// ====================================================================
	//
	// - Config: 환경변수 기반으로 로드 (형식 오류는 즉시 종료)
	// - Metrics, Registry: 전역이 아니라 여기서 만들어 각 구성요소에 주입
	// ====================================================================
	cfg := config.Load()
	if *profile != "" {
		cfg.EndpointProfileFile = *profile
	}
	logger.Init(cfg)

	m := metrics.New()
	reg := metrics.NewRegistry()
	reg.OnCycle(func(r metrics.CycleReport) {
		if r.Submissions > 0 {
			log.Debug().Int("submissions", r.Submissions).Dur("elapsed", r.Duration).Msg("cycle report")
		}
	})

	// ====================================================================
	// 로컬 버퍼 (SQLite)
	// ====================================================================
	db, err := store.Open(store.Config{Path: cfg.DBPath, PoolSize: 4})
	if err != nil {
		log.Fatal().Err(err).Msg("event store open failed")
	}
	buf := recorder.New(db, cfg, m)

	// ====================================================================
	// Endpoint profile
	// ====================================================================
	//
	// 파일이 없으면 PUT /endpoint 가 올 때까지 사이클은 아무것도 보내지 않는다.
	// (이벤트는 계속 버퍼에 쌓이고 용량 상한만 적용된다)
	// ====================================================================
	endpoints := endpoint.NewProvider(cfg.AppID, cfg.EndpointID)
	if cfg.EndpointProfileFile != "" {
		if _, err := endpoints.LoadFile(cfg.EndpointProfileFile); err != nil {
			log.Fatal().Err(err).Msg("endpoint profile load failed")
		}
	} else {
		log.Warn().Msg("no endpoint profile configured, waiting for PUT /endpoint")
	}

	// ====================================================================
	// AWS (Pinpoint PutEvents + dead-letter S3)
	// ====================================================================
	//
	// 두 클라이언트 모두 SDK retry 를 끈다.
	// - Pinpoint: 재시도는 "다음 사이클" 이 담당 (이벤트가 버퍼에 남는다)
	// - S3: S3_APP_RETRIES 만큼 앱 레벨 재시도
	// ====================================================================
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatal().Err(err).Msg("aws config load failed")
	}

	client := pinpoint.New(awsCfg, cfg.ClientTimeout)
	coord := submit.NewCoordinator(client, endpoints, reg, m, cfg.AppID)

	var dlq *worker.DeadLetter
	if cfg.DeadLetterDir != "" {
		var up *worker.S3Uploader
		if cfg.DeadLetterBucket != "" {
			up = worker.NewS3Uploader(awsCfg, cfg, m)
		}

		// nil *S3Uploader 를 interface 로 넘기면 nil 이 아니게 되므로 분기한다.
		if up != nil {
			dlq, err = worker.NewDeadLetter(cfg, m, up)
		} else {
			dlq, err = worker.NewDeadLetter(cfg, m, nil)
		}
		if err != nil {
			log.Fatal().Err(err).Msg("dead-letter init failed")
		}
		reg.OnDrop(dlq.Archive)
	}

	// ====================================================================
	// Manager (사이클 구동 + dead-letter 루프)
	// ====================================================================
	mgr := worker.NewManager(cfg, m, reg, db, buf, coord, dlq)
	mgr.Start()

	// ====================================================================
	// HTTP 서버
	// ====================================================================
	//
	// 엔드포인트:
	//  - POST /events  : 이벤트 기록 (로컬 저장만, 네트워크 없음)
	//  - POST /flush   : 제출 사이클 요청
	//  - PUT  /endpoint: endpoint profile 교체
	//  - GET  /metrics : 운영 지표
	//  - GET  /health
	// ====================================================================
	h := server.NewHandler(cfg, m, buf, mgr, endpoints)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h.Routes(),
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM/SIGINT 수신 시:
	//   1) HTTP 서버 먼저 멈춤 (더 이상 기록 요청 없음)
	//   2) Manager 종료. 진행 중인 제출은 취소되고 해당 이벤트는 버퍼에 남는다
	//   3) 저장소 닫기
	// ====================================================================
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown failed")
		}
		cancel()

		log.Info().Msg("stopping worker manager")
		mgr.Shutdown()
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("event recorder listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server terminated")
	}

	// Manager 가 이미 종료되어 있더라도 다시 호출해도 safe
	mgr.Shutdown()
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("event store close failed")
	}
	log.Info().Msg("shutdown complete")
}
