package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "job:"
	batchKeyPrefix = "batch:"

	defaultTTL = 24 * time.Hour
)

// Store はジョブ台帳を Redis に保存します。レコードとバッチ集合は
// 書き込みのたびに有効期限が延長され、期限切れ後は存在しない扱いになります。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。ttl は台帳レコードの保持期間です。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// TTL は台帳レコードの保持期間を返します。署名URLの有効期間もこれに合わせます。
func (s *Store) TTL() time.Duration { return s.ttl }

// Ping は台帳ストアへの到達性を確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get はジョブレコードを取得します。存在しない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Record は patch を既存レコードへマージして保存します（存在しなければ作成）。
// 書き込みごとにTTLをリセットし、バッチIDを持つレコードはメンバー集合へも
// 追加してそのTTLも更新します。
func (s *Store) Record(ctx context.Context, jobID string, patch Patch) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if rec == nil {
		rec = &Record{
			JobID:     jobID,
			Status:    StatusQueued,
			CreatedAt: now,
		}
	}
	applyPatch(rec, patch, now)
	rec.UpdatedAt = now

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	tx := s.rdb.TxPipeline()
	tx.Set(ctx, jobKey(jobID), payload, s.ttl)
	if rec.BatchID != "" {
		key := batchKey(rec.BatchID)
		tx.SAdd(ctx, key, jobID)
		tx.Expire(ctx, key, s.ttl)
	}
	if _, err := tx.Exec(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetBatch はバッチの集計ビューを返します。メンバーが1件も無い場合は
// TotalJobs が 0 の空ビューを返します。
func (s *Store) GetBatch(ctx context.Context, batchID string) (*BatchStatus, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batchID is required")
	}
	ids, err := s.rdb.SMembers(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// レコードだけ先に失効したメンバーは集計から除く。
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].JobID < records[j].JobID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	view := &BatchStatus{
		BatchID:   batchID,
		Status:    aggregateStatus(records),
		TotalJobs: len(records),
		Jobs:      records,
	}
	for _, rec := range records {
		switch rec.Status {
		case StatusCompleted:
			view.Completed++
		case StatusFailed:
			view.Failed++
		}
	}
	return view, nil
}

func applyPatch(rec *Record, patch Patch, now time.Time) {
	if patch.BatchID != "" {
		rec.BatchID = patch.BatchID
	}
	if patch.OriginalName != "" {
		rec.OriginalName = patch.OriginalName
	}
	if patch.Target != "" {
		rec.Target = patch.Target
	}
	if patch.DPI > 0 {
		rec.DPI = patch.DPI
	}
	// 進捗は単調非減少。古い書き込みが後から届いても巻き戻さない。
	if patch.Progress != nil && *patch.Progress > rec.Progress {
		rec.Progress = clampProgress(*patch.Progress)
	}
	if patch.ResultPath != "" {
		rec.ResultPath = patch.ResultPath
	}
	if patch.DownloadURL != "" {
		rec.DownloadURL = patch.DownloadURL
	}
	if patch.ContentType != "" {
		rec.ContentType = patch.ContentType
	}
	if patch.Filename != "" {
		rec.Filename = patch.Filename
	}
	if patch.FileCount > 0 {
		rec.FileCount = patch.FileCount
	}
	if patch.Error != "" {
		rec.Error = patch.Error
	}
	if patch.Status != "" {
		applyStatus(rec, patch.Status, now)
	}
}

// applyStatus は状態遷移を適用します。一度 queued を離れたレコードは
// queued へ戻りません（同一ジョブの重複投入はここで吸収されます）。
func applyStatus(rec *Record, status Status, now time.Time) {
	if status == StatusQueued && rec.Status != StatusQueued {
		return
	}
	rec.Status = status

	switch status {
	case StatusProcessing:
		// リトライで failed から再開するケースを含むため、前回の失敗情報を消す。
		rec.Error = ""
		rec.FailedAt = nil
	case StatusCompleted:
		rec.Progress = 100
		rec.Error = ""
		rec.FailedAt = nil
		if rec.CompletedAt == nil {
			t := now
			rec.CompletedAt = &t
		}
	case StatusFailed:
		rec.ResultPath = ""
		rec.DownloadURL = ""
		rec.ContentType = ""
		rec.Filename = ""
		rec.FileCount = 0
		rec.CompletedAt = nil
		t := now
		rec.FailedAt = &t
	}
}

func clampProgress(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func batchKey(id string) string {
	return batchKeyPrefix + id + ":jobs"
}
