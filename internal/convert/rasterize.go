package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

const defaultRasterizeTimeout = 2 * time.Minute

// Rasterizer は外部コマンド（pdftoppm互換）によるPDFラスタライズを実行します。
type Rasterizer struct {
	binPath string
	timeout time.Duration
}

// NewRasterizer はラスタライズコマンドのラッパーを生成します。
func NewRasterizer(binPath string, timeout time.Duration) *Rasterizer {
	if binPath == "" {
		binPath = "pdftoppm"
	}
	if timeout <= 0 {
		timeout = defaultRasterizeTimeout
	}
	return &Rasterizer{binPath: binPath, timeout: timeout}
}

// Run はPDFをページ単位のPNGへ変換し、ページ順のファイルパス一覧を返します。
// コマンドがゼロ終了しても出力が1件もなければエラーとして扱います。
func (r *Rasterizer) Run(ctx context.Context, pdfPath, outDir, prefix string, dpi int) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if dpi <= 0 {
		dpi = defaultDPI
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	outBase := filepath.Join(outDir, prefix)
	cmd := exec.CommandContext(ctx, r.binPath, "-png", "-r", strconv.Itoa(dpi), pdfPath, outBase)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError("CONVERSION_FAILED", "画像変換がタイムアウトしました。", ctx.Err())
		}
		return nil, newError("CONVERSION_FAILED",
			fmt.Sprintf("画像変換コマンドが失敗しました: %s", stderr.String()), err)
	}

	// pdftoppm はページ番号をゼロ詰めするため、辞書順がそのままページ順になる。
	pages, err := filepath.Glob(outBase + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("生成画像の列挙に失敗しました: %w", err)
	}
	if len(pages) == 0 {
		return nil, newError("CONVERSION_FAILED", "画像変換で出力が生成されませんでした。", nil)
	}
	sort.Strings(pages)
	return pages, nil
}
