// Package convert は外部変換エンジンを利用したドキュメント変換機能を提供します。
package convert

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Target は変換先フォーマットを表します。
type Target string

const (
	TargetPDF Target = "pdf"
	TargetPNG Target = "png"
)

// ParseTarget は変換先フォーマット文字列を検証します。
func ParseTarget(raw string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(TargetPDF):
		return TargetPDF, nil
	case string(TargetPNG):
		return TargetPNG, nil
	default:
		return "", newError("INVALID_INPUT", "format には pdf または png を指定してください。", nil)
	}
}

// 受付可能なアップロード拡張子の一覧です。
var allowedExtensions = map[string]struct{}{
	".docx": {},
	".doc":  {},
	".pptx": {},
	".ppt":  {},
	".xlsx": {},
	".xls":  {},
}

const (
	defaultMaxFileSize = 50 << 20
	defaultDPI         = 150
)

// Options は Service の動作設定です。
type Options struct {
	MaxFileSize int64  // アップロード上限（バイト）
	BaseDir     string // 作業ディレクトリのルート
	DefaultDPI  int    // PNG変換時の既定解像度
}

// Service はアップロードの検証・保存と変換処理の中核を提供します。
type Service struct {
	engine     *EngineClient
	rasterizer *Rasterizer
	cfg        Options
}

// NewService は変換サービスを生成します。
func NewService(engine *EngineClient, rasterizer *Rasterizer, cfg Options) *Service {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = filepath.Join(os.TempDir(), "doc-forge")
	}
	if cfg.DefaultDPI <= 0 {
		cfg.DefaultDPI = defaultDPI
	}
	return &Service{
		engine:     engine,
		rasterizer: rasterizer,
		cfg:        cfg,
	}
}

type storedFile struct {
	path         string
	originalName string
	size         int64
}

// storeMultipartFile はアップロードを検証し destDir 配下へ保存します。
func (s *Service) storeMultipartFile(ctx context.Context, file *multipart.FileHeader, destDir string) (storedFile, error) {
	if err := ctx.Err(); err != nil {
		return storedFile{}, err
	}

	name := sanitizeFilename(file.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := allowedExtensions[ext]; !ok {
		return storedFile{}, newError("UNSUPPORTED_FILE",
			fmt.Sprintf("対応していないファイル形式です（対応形式: %s）。", allowedExtensionList()), nil)
	}
	if file.Size > s.cfg.MaxFileSize {
		return storedFile{}, s.limitExceeded()
	}

	src, err := file.Open()
	if err != nil {
		return storedFile{}, newError("INVALID_INPUT", "アップロードされたファイルを読み取れませんでした。", err)
	}
	defer src.Close()

	path := filepath.Join(destDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return storedFile{}, fmt.Errorf("アップロードの保存に失敗しました: %w", err)
	}

	// 申告サイズは信用せず、書き込んだバイト数で上限を確認する。
	written, err := io.Copy(dst, io.LimitReader(src, s.cfg.MaxFileSize+1))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return storedFile{}, fmt.Errorf("アップロードの保存に失敗しました: %w", err)
	}
	if written > s.cfg.MaxFileSize {
		_ = os.Remove(path)
		return storedFile{}, s.limitExceeded()
	}

	return storedFile{
		path:         path,
		originalName: name,
		size:         written,
	}, nil
}

func (s *Service) limitExceeded() *Error {
	limitMB := s.cfg.MaxFileSize / (1 << 20)
	return newError("LIMIT_EXCEEDED", fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", limitMB), nil)
}

func allowedExtensionList() string {
	exts := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return strings.Join(exts, ", ")
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return filepath.Base(name)
}

// outputFilename は元のファイル名から成果物のファイル名を導出します。
func outputFilename(originalName, ext string) string {
	base := strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName))
	if base == "" || base == "." {
		base = "converted"
	}
	return base + ext
}

// Upload は非同期ジョブ用に保存されたアップロードを表します。
type Upload struct {
	JobID        string
	SourcePath   string
	OriginalName string
	Size         int64
}

// PrepareUpload は非同期ジョブ用にアップロードを検証・保存します。
func (s *Service) PrepareUpload(ctx context.Context, file *multipart.FileHeader) (*Upload, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if file == nil {
		return nil, newError("INVALID_INPUT", "変換するファイルを選択してください。", nil)
	}

	ws, err := s.createWorkspace()
	if err != nil {
		return nil, err
	}
	stored, err := s.storeMultipartFile(ctx, file, ws.inDir)
	if err != nil {
		_ = removeDir(ws.dir)
		return nil, err
	}

	return &Upload{
		JobID:        ws.jobID,
		SourcePath:   stored.path,
		OriginalName: stored.originalName,
		Size:         stored.size,
	}, nil
}

// DiscardUpload はジョブの作業領域を丸ごと削除します。
func (s *Service) DiscardUpload(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("jobID is required")
	}
	return removeDir(s.workspaceFor(jobID).dir)
}
