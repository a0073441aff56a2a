package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/objstore"
)

// convertJobScheduler は jobs.Manager を convert.JobScheduler に適合させます。
type convertJobScheduler struct {
	manager *jobs.Manager
}

func (s *convertJobScheduler) Schedule(ctx context.Context, req *convert.ScheduleRequest) error {
	return s.manager.Enqueue(ctx, &jobs.TaskPayload{
		JobID:        req.JobID,
		BatchID:      req.BatchID,
		Target:       req.Target,
		SourcePath:   req.SourcePath,
		OriginalName: req.OriginalName,
		DPI:          req.DPI,
	})
}

func setupJobs(cfg *config.Config, svc *convert.Service, store *jobs.Store, objClient *objstore.Client, logger zerolog.Logger) (*jobs.Manager, error) {
	return jobs.NewManager(store, svc, objClient, jobs.ManagerOptions{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
	})
}

// jobReader はジョブ/バッチ状態の参照を提供します。
type jobReader interface {
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
	GetBatch(ctx context.Context, batchID string) (*jobs.BatchStatus, error)
}

// resultFetcher は保存済み成果物の取得を提供します。
type resultFetcher interface {
	Download(ctx context.Context, key string) (*objstore.Object, error)
}

func jobStatusHandler(reader jobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := reader.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		c.JSON(http.StatusOK, record)
	}
}

func batchStatusHandler(reader jobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		batchID := c.Param("batchId")
		if strings.TrimSpace(batchID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": "batchId を指定してください。",
			})
			return
		}

		view, err := reader.GetBatch(c.Request.Context(), batchID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "INTERNAL_ERROR",
				"message": "バッチ情報の取得に失敗しました。",
			})
			return
		}
		if view.TotalJobs == 0 {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "BATCH_NOT_FOUND",
				"message": "指定されたバッチは存在しません。",
			})
			return
		}

		c.JSON(http.StatusOK, view)
	}
}

func jobDownloadHandler(reader jobReader, fetcher resultFetcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := reader.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		if record.Status != jobs.StatusCompleted {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "JOB_NOT_READY",
				"message": "ジョブはまだ完了していません。",
				"status":  record.Status,
			})
			return
		}

		obj, err := fetcher.Download(c.Request.Context(), record.ResultPath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "STORAGE_ERROR",
				"message": "成果物の取得に失敗しました。",
			})
			return
		}
		defer obj.Body.Close()

		contentType := record.ContentType
		if contentType == "" {
			contentType = obj.ContentType
		}

		encodedName := url.PathEscape(record.Filename)
		c.Header("Content-Type", contentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", record.Filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", record.JobID)
		c.DataFromReader(http.StatusOK, obj.ContentLength, contentType, obj.Body, nil)
	}
}
