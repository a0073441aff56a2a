package jobs

import (
	"time"

	"github.com/yourusername/doc-forge/internal/convert"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	// StatusPartial はバッチ集計専用の状態です。1件でも失敗があると
	// 他のメンバーの状態に関わらずこの値になります。
	StatusPartial Status = "partial"
)

// Record はジョブの現在状態を表します。
type Record struct {
	JobID        string         `json:"jobId"`
	BatchID      string         `json:"batchId,omitempty"`
	OriginalName string         `json:"originalName"`
	Target       convert.Target `json:"target"`
	DPI          int            `json:"dpi,omitempty"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	ResultPath   string         `json:"resultPath,omitempty"`
	DownloadURL  string         `json:"downloadUrl,omitempty"`
	ContentType  string         `json:"contentType,omitempty"`
	Filename     string         `json:"filename,omitempty"`
	FileCount    int            `json:"fileCount,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	FailedAt     *time.Time     `json:"failedAt,omitempty"`
}

// Patch はレコードへ部分適用する更新内容です。ゼロ値のフィールドは
// 「変更なし」を意味します。Progress はゼロを明示できるようポインタです。
type Patch struct {
	BatchID      string
	OriginalName string
	Target       convert.Target
	DPI          int
	Status       Status
	Progress     *int
	ResultPath   string
	DownloadURL  string
	ContentType  string
	Filename     string
	FileCount    int
	Error        string
}

// BatchStatus はバッチの集計ビューです。保存はされず、参照のたびに
// メンバーのレコードから計算されます。
type BatchStatus struct {
	BatchID   string    `json:"batchId"`
	Status    Status    `json:"status"`
	TotalJobs int       `json:"totalJobs"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Jobs      []*Record `json:"jobs"`
}

// aggregateStatus はメンバー状態からバッチ状態を導出します。
// 優先順位: 失敗あり → partial、実行中あり → processing、
// 全件完了 → completed、それ以外 → queued。
func aggregateStatus(records []*Record) Status {
	if len(records) == 0 {
		return StatusQueued
	}

	var failed, completed, active int
	for _, rec := range records {
		switch rec.Status {
		case StatusFailed:
			failed++
		case StatusCompleted:
			completed++
		default:
			active++
		}
	}

	switch {
	case failed > 0:
		return StatusPartial
	case active > 0:
		return StatusProcessing
	case completed == len(records):
		return StatusCompleted
	default:
		return StatusQueued
	}
}
