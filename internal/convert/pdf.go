package convert

import (
	"context"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"sync"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Result は同期変換の成果物を表します。
type Result struct {
	JobID          string
	OutputPath     string
	OutputFilename string
	OutputSize     int64
	ContentType    string

	jobDir      string
	cleanupOnce sync.Once
	cleanupErr  error
}

// Cleanup は作業ディレクトリを削除します。
func (r *Result) Cleanup() error {
	if r == nil {
		return nil
	}
	r.cleanupOnce.Do(func() {
		r.cleanupErr = removeDir(r.jobDir)
	})
	return r.cleanupErr
}

// ConvertPDFMultipart はアップロードされたドキュメントを同期的にPDFへ変換します。
func (s *Service) ConvertPDFMultipart(ctx context.Context, file *multipart.FileHeader) (_ *Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if file == nil {
		return nil, newError("INVALID_INPUT", "変換するファイルを選択してください。", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ws, err := s.createWorkspace()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = removeDir(ws.dir)
		}
	}()

	stored, err := s.storeMultipartFile(ctx, file, ws.inDir)
	if err != nil {
		return nil, err
	}

	outputPath, outputName, err := s.producePDF(ctx, stored.path, stored.originalName, ws.outDir)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("変換結果の確認に失敗しました: %w", err)
	}

	return &Result{
		JobID:          ws.jobID,
		OutputPath:     outputPath,
		OutputFilename: outputName,
		OutputSize:     info.Size(),
		ContentType:    "application/pdf",
		jobDir:         ws.dir,
	}, nil
}

// producePDF は変換エンジンを呼び出し、検証済みPDFを outDir に書き出します。
func (s *Service) producePDF(ctx context.Context, srcPath, originalName, outDir string) (string, string, error) {
	data, err := s.engine.ToPDF(ctx, srcPath, originalName)
	if err != nil {
		return "", "", err
	}

	outputName := outputFilename(originalName, ".pdf")
	outputPath := filepath.Join(outDir, outputName)
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("変換結果の書き込みに失敗しました: %w", err)
	}

	// 壊れた応答を成果物として返さないよう、保存後に必ず検証する。
	if err := pdfapi.ValidateFile(outputPath, nil); err != nil {
		return "", "", newError("CONVERSION_FAILED", "変換エンジンの応答が有効なPDFではありません。", err)
	}

	return outputPath, outputName, nil
}
