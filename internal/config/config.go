// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ログ設定
	LogLevel string // zerologのログレベル (trace, debug, info, warn, error)

	// Redis設定（レッジャー・キュー・レート制限で共用）
	RedisURL string // Redis接続URL

	// 変換エンジン設定
	EngineURL         string        // 変換エンジンのベースURL
	EngineConvertPath string        // 変換エンドポイントのパス
	EngineTimeout     time.Duration // document→PDF変換呼び出しの上限時間

	// ラスタライザ設定
	PdftoppmPath     string        // pdftoppm実行ファイルのパス
	RasterizeTimeout time.Duration // ラスタライズサブプロセスの上限時間

	// オブジェクトストレージ設定
	S3Endpoint  string // オブジェクトストアのエンドポイント
	S3Region    string // リージョン
	S3AccessKey string // アクセスキー
	S3SecretKey string // シークレットキー
	S3Bucket    string // バケット名
	S3UseSSL    bool   // TLSを使用するかどうか

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// ジョブ設定
	JobTTL            time.Duration // レッジャーレコードと署名URLの有効期限
	DefaultDPI        int           // PNG変換のデフォルトDPI
	WorkerConcurrency int           // キューごとの同時実行数

	// レート制限
	RateLimitMax    int           // ウィンドウあたりの最大リクエスト数
	RateLimitWindow time.Duration // レート制限ウィンドウ

	// Sentry設定（任意）
	SentryDSN         string // 設定時のみ有効化
	SentryEnvironment string // 環境名
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ログ設定
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Redis設定
		RedisURL: getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		// 変換エンジン設定
		EngineURL:         getEnv("ENGINE_URL", "http://127.0.0.1:3000"),
		EngineConvertPath: getEnv("ENGINE_CONVERT_PATH", "/forms/libreoffice/convert"),
		EngineTimeout:     time.Duration(getEnvAsInt("ENGINE_TIMEOUT_SECONDS", 300)) * time.Second,

		// ラスタライザ設定
		PdftoppmPath:     getEnv("PDFTOPPM_PATH", "pdftoppm"),
		RasterizeTimeout: time.Duration(getEnvAsInt("RASTERIZE_TIMEOUT_SECONDS", 120)) * time.Second,

		// オブジェクトストレージ設定
		S3Endpoint:  getEnv("S3_ENDPOINT", "http://127.0.0.1:9000"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey: getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:    getEnv("S3_BUCKET", "doc-forge"),
		S3UseSSL:    getEnvAsBool("S3_USE_SSL", false),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 52428800), // 50MB

		// ジョブ設定
		JobTTL:            time.Duration(getEnvAsInt("JOB_TTL_HOURS", 24)) * time.Hour,
		DefaultDPI:        getEnvAsInt("DEFAULT_DPI", 150),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 1),

		// レート制限
		RateLimitMax:    getEnvAsInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: time.Duration(getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,

		// Sentry設定
		SentryDSN:         getEnv("SENTRY_DSN", ""),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", "development"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.EngineURL == "" {
		return fmt.Errorf("ENGINE_URL is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.JobTTL <= 0 {
		return fmt.Errorf("JOB_TTL_HOURS must be positive")
	}
	if c.DefaultDPI <= 0 {
		return fmt.Errorf("DEFAULT_DPI must be positive")
	}

	// 本番環境では資格情報を厳格にチェックする
	if c.GinMode == "release" {
		if c.S3Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required in release mode")
		}
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required in release mode")
		}
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
