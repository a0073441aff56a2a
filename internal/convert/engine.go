package convert

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultEngineTimeout = 5 * time.Minute
	defaultConvertPath   = "/forms/libreoffice/convert"
	healthProbeTimeout   = 3 * time.Second

	// エンジンのエラー応答から保持する最大バイト数。
	maxErrorDetailBytes = 4 << 10
)

// EngineClient は外部ドキュメント変換エンジンへのHTTPクライアントです。
type EngineClient struct {
	httpClient  *http.Client
	baseURL     string
	convertPath string
}

// EngineOptions は EngineClient の接続設定です。
type EngineOptions struct {
	BaseURL     string
	ConvertPath string
	Timeout     time.Duration
}

// NewEngineClient は変換エンジンクライアントを生成します。
func NewEngineClient(opts EngineOptions) *EngineClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultEngineTimeout
	}
	convertPath := opts.ConvertPath
	if convertPath == "" {
		convertPath = defaultConvertPath
	}
	return &EngineClient{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		convertPath: convertPath,
	}
}

// ToPDF はローカルファイルを変換エンジンへ送信し、PDFのバイト列を受け取ります。
// Content-Type はクライアント申告ではなくファイル内容から判定して転送します。
func (e *EngineClient) ToPDF(ctx context.Context, srcPath, originalName string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(srcPath); err == nil {
		contentType = mtype.String()
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("変換対象ファイルを開けませんでした: %w", err)
	}
	defer src.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := newFilePart(form, "files", originalName, contentType)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+e.convertPath, pr)
	if err != nil {
		return nil, fmt.Errorf("変換リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, newError("CONVERSION_FAILED", "変換エンジンへの接続に失敗しました。", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetailBytes))
		return nil, newError("CONVERSION_FAILED",
			fmt.Sprintf("変換エンジンがエラーを返しました（status %d）。", resp.StatusCode),
			fmt.Errorf("engine response: %s", strings.TrimSpace(string(detail))))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError("CONVERSION_FAILED", "変換結果の受信に失敗しました。", err)
	}
	if len(data) == 0 {
		return nil, newError("CONVERSION_FAILED", "変換エンジンが空の応答を返しました。", nil)
	}
	return data, nil
}

// HealthCheck は変換エンジンの死活を確認します。失敗してもエラーは返しません。
func (e *EngineClient) HealthCheck(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorDetailBytes))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func newFilePart(form *multipart.Writer, field, filename, contentType string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)
	return form.CreatePart(h)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, `\"`)
