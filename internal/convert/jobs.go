package convert

import (
	"context"
	"fmt"
	"os"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}

// RunRequest は非同期変換ジョブの入力です。
type RunRequest struct {
	JobID        string
	SourcePath   string
	OriginalName string
	Target       Target
	DPI          int
}

// JobOutput は非同期変換で生成されたローカル成果物を表します。
type JobOutput struct {
	// Files は生成ファイルのパスです。PNG複数ページの場合はページ順に並びます。
	Files       []string
	ContentType string
	Filename    string
	PageCount   int
	// Bundle は複数ファイルをZIPとして束ねて保存すべき場合に true になります。
	Bundle bool
}

// RunJob はジョブIDに対応する変換処理を実行し、成果物のローカルパスを返します。
func (s *Service) RunJob(ctx context.Context, req *RunRequest, progress ProgressReporter) (*JobOutput, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil || req.JobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ws := s.workspaceFor(req.JobID)
	// リトライ時は前回の中間成果物が削除済みなので out を作り直す。
	if err := os.MkdirAll(ws.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}

	reportProgress(progress, "convert", 30)

	pdfPath, pdfName, err := s.producePDF(ctx, req.SourcePath, req.OriginalName, ws.outDir)
	if err != nil {
		return nil, err
	}

	pageCount, err := pdfapi.PageCountFile(pdfPath)
	if err != nil {
		pageCount = 0
	}

	if req.Target != TargetPNG {
		return &JobOutput{
			Files:       []string{pdfPath},
			ContentType: "application/pdf",
			Filename:    pdfName,
			PageCount:   pageCount,
		}, nil
	}

	dpi := req.DPI
	if dpi <= 0 {
		dpi = s.cfg.DefaultDPI
	}
	pages, err := s.rasterizer.Run(ctx, pdfPath, ws.outDir, "page", dpi)
	if err != nil {
		return nil, err
	}

	if len(pages) == 1 {
		return &JobOutput{
			Files:       pages,
			ContentType: "image/png",
			Filename:    outputFilename(req.OriginalName, ".png"),
			PageCount:   1,
		}, nil
	}

	return &JobOutput{
		Files:       pages,
		ContentType: "application/zip",
		Filename:    outputFilename(req.OriginalName, ".zip"),
		PageCount:   len(pages),
		Bundle:      true,
	}, nil
}

// DiscardOutputs は中間成果物のみを削除し、アップロード済みソースは残します。
// リトライを控えたジョブの後片付けに使います。
func (s *Service) DiscardOutputs(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	return removeDir(s.workspaceFor(jobID).outDir)
}
