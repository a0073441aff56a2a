package convert

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 一括変換で一度に受け付けるファイル数の上限です。
const maxBatchFiles = 10

// ConvertService は同期変換と非同期ジョブの受付を提供します。
type ConvertService interface {
	ConvertPDFMultipart(ctx context.Context, file *multipart.FileHeader) (*Result, error)
	PrepareUpload(ctx context.Context, file *multipart.FileHeader) (*Upload, error)
	DiscardUpload(jobID string) error
}

// JobScheduler はジョブを非同期キューへ投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, req *ScheduleRequest) error
}

// ScheduleRequest はキュー投入に必要なジョブ情報です。
type ScheduleRequest struct {
	JobID        string
	BatchID      string
	Target       Target
	SourcePath   string
	OriginalName string
	DPI          int
}

// ConvertPDFHandler は POST /convert/pdf のハンドラーを返します。
func ConvertPDFHandler(svc ConvertService) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": "変換するファイルを multipart/form-data で送信してください。",
			})
			return
		}

		result, err := svc.ConvertPDFMultipart(c.Request.Context(), file)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer result.Cleanup()

		if err := streamResult(c, result); err != nil {
			respondWithError(c, err)
		}
	}
}

// ConvertPNGHandler は POST /convert/png のハンドラーを返します。
func ConvertPNGHandler(svc ConvertService, scheduler JobScheduler, defaultDPI int) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": "変換するファイルを multipart/form-data で送信してください。",
			})
			return
		}
		dpi := parseDPI(c.PostForm("dpi"), defaultDPI)

		upload, err := svc.PrepareUpload(c.Request.Context(), file)
		if err != nil {
			respondWithError(c, err)
			return
		}

		req := &ScheduleRequest{
			JobID:        upload.JobID,
			Target:       TargetPNG,
			SourcePath:   upload.SourcePath,
			OriginalName: upload.OriginalName,
			DPI:          dpi,
		}
		if err := scheduler.Schedule(c.Request.Context(), req); err != nil {
			if cleanupErr := svc.DiscardUpload(upload.JobID); cleanupErr != nil {
				err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
			}
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":     upload.JobID,
			"status":    "queued",
			"statusUrl": "/jobs/" + upload.JobID,
		})
	}
}

// ConvertBatchHandler は POST /convert/batch のハンドラーを返します。
// 個々のファイルの受付失敗は応答内の failed エントリとして返し、
// 既に投入済みの兄弟ジョブは取り消しません。
func ConvertBatchHandler(svc ConvertService, scheduler JobScheduler, defaultDPI int) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		files := form.File["files"]
		if len(files) == 0 {
			files = form.File["files[]"]
		}
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": "アップロードされたファイルが見つかりません。",
			})
			return
		}
		if len(files) > maxBatchFiles {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": fmt.Sprintf("一度に変換できるファイルは%d件までです。", maxBatchFiles),
			})
			return
		}

		target, err := ParseTarget(c.PostForm("format"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		dpi := parseDPI(c.PostForm("dpi"), defaultDPI)

		batchID := uuid.NewString()
		entries := make([]gin.H, 0, len(files))
		for _, fh := range files {
			upload, err := svc.PrepareUpload(c.Request.Context(), fh)
			if err != nil {
				entries = append(entries, gin.H{
					"filename": sanitizeFilename(fh.Filename),
					"status":   "failed",
					"error":    messageForClient(err),
				})
				continue
			}

			req := &ScheduleRequest{
				JobID:        upload.JobID,
				BatchID:      batchID,
				Target:       target,
				SourcePath:   upload.SourcePath,
				OriginalName: upload.OriginalName,
				DPI:          dpi,
			}
			if err := scheduler.Schedule(c.Request.Context(), req); err != nil {
				_ = svc.DiscardUpload(upload.JobID)
				entries = append(entries, gin.H{
					"filename": upload.OriginalName,
					"status":   "failed",
					"error":    messageForClient(err),
				})
				continue
			}

			entries = append(entries, gin.H{
				"jobId":    upload.JobID,
				"filename": upload.OriginalName,
				"status":   "queued",
			})
		}

		c.JSON(http.StatusAccepted, gin.H{
			"batchId": batchID,
			"status":  "queued",
			"jobs":    entries,
		})
	}
}

// parseDPI はdpiフィールドを解釈します。未指定・不正値は既定値に倒します。
func parseDPI(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	dpi, err := strconv.Atoi(raw)
	if err != nil || dpi <= 0 {
		return fallback
	}
	return dpi
}

func messageForClient(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "ジョブの登録に失敗しました。"
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "LIMIT_EXCEEDED":
			status = http.StatusRequestEntityTooLarge
		case "CONVERSION_FAILED", "STORAGE_ERROR":
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"error":   apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"error":   "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func streamResult(c *gin.Context, result *Result) error {
	file, err := os.Open(result.OutputPath)
	if err != nil {
		return fmt.Errorf("変換結果の読み込みに失敗しました: %w", err)
	}
	defer file.Close()

	encodedName := url.PathEscape(result.OutputFilename)
	c.Header("Content-Type", result.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.OutputFilename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", result.JobID)
	c.DataFromReader(http.StatusOK, result.OutputSize, result.ContentType, file, nil)
	return nil
}
