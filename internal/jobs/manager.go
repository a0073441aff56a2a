package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/convert"
)

const (
	taskTypePDF = "convert:pdf"
	taskTypePNG = "convert:png"

	// QueuePDF / QueuePNG はターゲットフォーマットごとの独立したキューです。
	QueuePDF = "pdf"
	QueuePNG = "png"

	// 1ジョブあたりの最大配送回数（初回 + リトライ2回）。
	maxAttempts = 3

	retryBaseDelay = 5 * time.Second
	taskTimeout    = 10 * time.Minute
)

// Runner は1ジョブ分の変換処理を実行できるサービスが実装します。
type Runner interface {
	RunJob(ctx context.Context, req *convert.RunRequest, progress convert.ProgressReporter) (*convert.JobOutput, error)
	DiscardUpload(jobID string) error
	DiscardOutputs(jobID string) error
}

// Uploader は成果物の保存と署名URLの発行を提供します。
type Uploader interface {
	Upload(ctx context.Context, localPath, key, contentType string) (string, error)
	UploadZip(ctx context.Context, localPaths []string, key string) (string, error)
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// TaskPayload は変換ジョブのペイロードです。
type TaskPayload struct {
	JobID        string         `json:"jobId"`
	BatchID      string         `json:"batchId,omitempty"`
	Target       convert.Target `json:"target"`
	SourcePath   string         `json:"sourcePath"`
	OriginalName string         `json:"originalName"`
	DPI          int            `json:"dpi,omitempty"`
}

// Manager はジョブの投入とワーカーの稼働を担います。
type Manager struct {
	client  *asynq.Client
	servers []*asynq.Server
	mux     *asynq.ServeMux
	store   *Store
	runner  Runner
	uploads Uploader
	logger  zerolog.Logger
}

// ManagerOptions は Manager の構成です。
type ManagerOptions struct {
	RedisURL    string
	Concurrency int // キューごとの同時実行数。既定は1。
	Logger      zerolog.Logger
}

// NewManager は Manager を初期化します。
func NewManager(store *Store, runner Runner, uploads Uploader, opts ManagerOptions) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if uploads == nil {
		return nil, errors.New("uploads is nil")
	}

	opt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	m := &Manager{
		client:  asynq.NewClient(opt),
		store:   store,
		runner:  runner,
		uploads: uploads,
		logger:  opts.Logger,
	}

	// キューごとに独立したサーバーを起動し、同時実行数をキュー単位で制御する。
	for _, queue := range []string{QueuePDF, QueuePNG} {
		m.servers = append(m.servers, asynq.NewServer(opt, asynq.Config{
			Concurrency:    concurrency,
			Queues:         map[string]int{queue: 1},
			RetryDelayFunc: retryDelay,
		}))
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypePDF, m.handleConvertTask)
	mux.HandleFunc(taskTypePNG, m.handleConvertTask)
	m.mux = mux

	return m, nil
}

// retryDelay は5秒開始の指数バックオフを返します（5s, 10s, 20s, ...）。
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return retryBaseDelay << n
}

// StartWorkers は各キューのワーカーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	for _, server := range m.servers {
		go func() {
			if err := server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
				m.logger.Error().Err(err).Msg("asynq server stopped with error")
			}
		}()
	}
}

// Shutdown はワーカーとクライアントを停止します。
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, server := range m.servers {
		server.Shutdown()
	}
	return m.client.Close()
}

// Enqueue は台帳へ初期レコードを書き込み、ジョブをキューへ投入します。
// 同一ジョブIDの再投入はエラーにせず黙って無視します。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}
	if payload.JobID == "" {
		return fmt.Errorf("payload.JobID is required")
	}

	progress := 0
	if _, err := m.store.Record(ctx, payload.JobID, Patch{
		Status:       StatusQueued,
		Progress:     &progress,
		BatchID:      payload.BatchID,
		OriginalName: payload.OriginalName,
		Target:       payload.Target,
		DPI:          payload.DPI,
	}); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskType, queue := taskTypePDF, QueuePDF
	if payload.Target == convert.TargetPNG {
		taskType, queue = taskTypePNG, QueuePNG
	}

	task := asynq.NewTask(taskType, body)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(maxAttempts-1),
		asynq.Timeout(taskTimeout),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return nil
}

// GetRecord はジョブレコードを取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// GetBatch はバッチの集計ビューを取得します。
func (m *Manager) GetBatch(ctx context.Context, batchID string) (*BatchStatus, error) {
	return m.store.GetBatch(ctx, batchID)
}
