// Package jobs は変換ジョブの台帳管理と非同期実行を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/convert"
)

// handleConvertTask は1件の変換ジョブを実行します。処理の流れ:
// processing へ遷移 → 変換 → アップロード → 署名URL発行 → completed。
// 途中で失敗した場合は failed を記録し、エラーを返して asynq のリトライに委ねます。
func (m *Manager) handleConvertTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in task payload: %w", asynq.SkipRetry)
	}

	logger := m.logger.With().
		Str("jobId", payload.JobID).
		Str("target", string(payload.Target)).
		Logger()

	if err := m.recordProgress(ctx, payload.JobID, StatusProcessing, 10); err != nil {
		return err
	}

	out, err := m.runner.RunJob(ctx, &convert.RunRequest{
		JobID:        payload.JobID,
		SourcePath:   payload.SourcePath,
		OriginalName: payload.OriginalName,
		Target:       payload.Target,
		DPI:          payload.DPI,
	}, func(stage string, percent int) {
		if err := m.recordProgress(ctx, payload.JobID, "", percent); err != nil {
			logger.Warn().Err(err).Str("stage", stage).Msg("failed to update progress")
		}
	})
	if err != nil {
		return m.failAttempt(ctx, logger, &payload, err)
	}

	if err := m.recordProgress(ctx, payload.JobID, "", 60); err != nil {
		logger.Warn().Err(err).Msg("failed to update progress")
	}

	key := resultKey(payload.JobID, out.Filename)
	if out.Bundle {
		_, err = m.uploads.UploadZip(ctx, out.Files, key)
	} else {
		_, err = m.uploads.Upload(ctx, out.Files[0], key, out.ContentType)
	}
	if err != nil {
		return m.failAttempt(ctx, logger, &payload,
			&convert.Error{Code: "STORAGE_ERROR", Message: "変換結果の保存に失敗しました。", Err: err})
	}

	downloadURL, err := m.uploads.PresignedURL(ctx, key, m.store.TTL())
	if err != nil {
		return m.failAttempt(ctx, logger, &payload,
			&convert.Error{Code: "STORAGE_ERROR", Message: "ダウンロードURLの発行に失敗しました。", Err: err})
	}

	patch := Patch{
		Status:      StatusCompleted,
		ResultPath:  key,
		DownloadURL: downloadURL,
		ContentType: out.ContentType,
		Filename:    out.Filename,
	}
	if out.Bundle {
		patch.FileCount = out.PageCount
	}
	if _, err := m.store.Record(ctx, payload.JobID, patch); err != nil {
		// 成果物は保存済みだが台帳へ反映できていない。リトライに委ねる。
		return m.failAttempt(ctx, logger, &payload, err)
	}

	if err := m.runner.DiscardUpload(payload.JobID); err != nil {
		logger.Warn().Err(err).Msg("workspace cleanup failed")
	}

	logger.Info().
		Str("resultPath", key).
		Int("pages", out.PageCount).
		Msg("job completed")
	return nil
}

// recordProgress は状態と進捗を台帳へ書き込みます。
func (m *Manager) recordProgress(ctx context.Context, jobID string, status Status, percent int) error {
	patch := Patch{Progress: &percent}
	if status != "" {
		patch.Status = status
	}
	_, err := m.store.Record(ctx, jobID, patch)
	return err
}

// failAttempt は失敗を台帳へ記録し、後片付けをしてから原因エラーを返します。
// 最終試行では作業領域を丸ごと破棄し、それ以外ではソースを残して
// 中間成果物のみ削除します。
func (m *Manager) failAttempt(ctx context.Context, logger zerolog.Logger, payload *TaskPayload, cause error) error {
	if _, err := m.store.Record(ctx, payload.JobID, Patch{
		Status: StatusFailed,
		Error:  failureMessage(cause),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record job failure")
	}

	if isFinalAttempt(ctx) {
		if err := m.runner.DiscardUpload(payload.JobID); err != nil {
			logger.Warn().Err(err).Msg("workspace cleanup failed")
		}
		sentry.CaptureException(cause)
		logger.Error().Err(cause).Msg("job failed permanently")
	} else {
		if err := m.runner.DiscardOutputs(payload.JobID); err != nil {
			logger.Warn().Err(err).Msg("intermediate cleanup failed")
		}
		logger.Warn().Err(cause).Msg("job attempt failed")
	}

	return cause
}

// isFinalAttempt は現在の配送が最後の試行かどうかを判定します。
func isFinalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func failureMessage(err error) string {
	var apiErr *convert.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func resultKey(jobID, filename string) string {
	return fmt.Sprintf("results/%s/%s", jobID, filename)
}
