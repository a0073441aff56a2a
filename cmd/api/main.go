// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/objstore"
	"github.com/yourusername/doc-forge/internal/ratelimit"
)

func main() {
	logger := newLogger("info")

	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(cfg.LogLevel)

	// Sentryの初期化（DSN設定時のみ）
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnvironment,
		}); err != nil {
			logger.Warn().Err(err).Msg("sentry initialization failed")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	gin.SetMode(cfg.GinMode)

	// 依存サービスの構築。グローバルは持たず、ここで組み立てたものを
	// 各ハンドラーへ明示的に渡す。
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse redis url")
	}
	redisClient := redis.NewClient(opt)

	objClient, err := objstore.New(context.Background(), objstore.Options{
		Endpoint:  s3Endpoint(cfg.S3Endpoint, cfg.S3UseSSL),
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create object store client")
	}

	engine := convert.NewEngineClient(convert.EngineOptions{
		BaseURL:     cfg.EngineURL,
		ConvertPath: cfg.EngineConvertPath,
		Timeout:     cfg.EngineTimeout,
	})
	rasterizer := convert.NewRasterizer(cfg.PdftoppmPath, cfg.RasterizeTimeout)
	svc := convert.NewService(engine, rasterizer, convert.Options{
		MaxFileSize: cfg.MaxFileSize,
		DefaultDPI:  cfg.DefaultDPI,
	})

	store := jobs.NewStore(redisClient, cfg.JobTTL)
	manager, err := setupJobs(cfg, svc, store, objClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create job manager")
	}
	manager.StartWorkers()

	limiter := ratelimit.New(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow, logger)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, &appDeps{
		cfg:       cfg,
		svc:       svc,
		scheduler: &convertJobScheduler{manager: manager},
		manager:   manager,
		store:     store,
		engine:    engine,
		objects:   objClient,
		limiter:   limiter,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	// SIGINT / SIGTERM でグレースフルに停止する
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("job manager shutdown failed")
	}
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis client close failed")
	}
	logger.Info().Msg("shutdown complete")
}

// appDeps はルーティングに必要な依存一式です。
type appDeps struct {
	cfg       *config.Config
	svc       *convert.Service
	scheduler convert.JobScheduler
	manager   *jobs.Manager
	store     *jobs.Store
	engine    *convert.EngineClient
	objects   *objstore.Client
	limiter   *ratelimit.Limiter
}

// setupRoutes はエンドポイントの配線を行います。
func setupRoutes(router *gin.Engine, deps *appDeps) {
	// ヘルスチェックはレート制限の対象外
	router.GET("/health", healthHandler(deps.engine, deps.store, deps.objects))
	router.GET("/healthz", handleHealthz)

	limited := router.Group("", deps.limiter.Middleware())
	{
		limited.POST("/convert/pdf", convert.ConvertPDFHandler(deps.svc))
		limited.POST("/convert/png", convert.ConvertPNGHandler(deps.svc, deps.scheduler, deps.cfg.DefaultDPI))
		limited.POST("/convert/batch", convert.ConvertBatchHandler(deps.svc, deps.scheduler, deps.cfg.DefaultDPI))

		limited.GET("/jobs/:jobId", jobStatusHandler(deps.manager))
		limited.GET("/jobs/:jobId/download", jobDownloadHandler(deps.manager, deps.objects))
		limited.GET("/jobs/batch/:batchId", batchStatusHandler(deps.manager))
	}
}

// healthProber は死活確認のみを提供します。
type healthProber interface {
	HealthCheck(ctx context.Context) bool
}

// pinger は台帳ストアへの到達確認を提供します。
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler は依存サービスすべての死活を確認します。
// 1つでも落ちていれば 503 を返します。
func healthHandler(gateway healthProber, ledger pinger, objectStore healthProber) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		gatewayUp := gateway.HealthCheck(ctx)
		queueUp := ledger.Ping(ctx) == nil
		objectUp := objectStore.HealthCheck(ctx)

		status := http.StatusOK
		overall := "ok"
		if !gatewayUp || !queueUp || !objectUp {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}

		c.JSON(status, gin.H{
			"status":    overall,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services": gin.H{
				"gateway":     serviceState(gatewayUp),
				"queueStore":  serviceState(queueUp),
				"objectStore": serviceState(objectUp),
			},
		})
	}
}

// handleHealthz は死活のみを返すライブネスエンドポイントです。
func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func serviceState(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

// s3Endpoint はスキームを持たないエンドポイント指定をTLSフラグで補完します。
func s3Endpoint(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}

// newLogger はサービス共通のロガーを生成します。
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().
		Timestamp().
		Str("service", "doc-forge").
		Logger()
}
