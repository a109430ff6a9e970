package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
)

const (
	// DefaultRetentionDays は最終成果物の既定の保持日数
	DefaultRetentionDays = 5

	// DefaultStaleUploadAge はこれより古い未完了マルチパートを中止する
	DefaultStaleUploadAge = 24 * time.Hour

	// deletedSampleLimit は結果に含める削除キーの上限
	deletedSampleLimit = 100
)

// ObjectStore はライフサイクル管理が使うオブジェクトストア操作
type ObjectStore interface {
	ListObjects(ctx context.Context, prefix string, fn func(storage.ObjectInfo) error) error
	DeleteObject(ctx context.Context, key string) error
	ListIncompleteUploads(ctx context.Context, prefix string, fn func(storage.IncompleteUpload) error) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// Config はライフサイクル管理の設定
type Config struct {
	// FinalOutputPrefix はパスによる保護対象のプレフィックス
	FinalOutputPrefix string

	// GracePeriod より新しいオブジェクトは保護対象に関わらず削除しない
	// 処理中ジョブの入力を消さないためのもの。0 で無効
	GracePeriod time.Duration
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{
		FinalOutputPrefix: storage.ClipsPrefix,
		GracePeriod:       24 * time.Hour,
	}
}

// Manager は保持ポリシー外のオブジェクトを削除する
type Manager struct {
	store   ObjectStore
	records job.RetentionSource
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// ManagerOption は Manager のオプション
type ManagerOption func(*Manager)

// WithManagerLogger はロガーを設定する
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerClock は現在時刻の取得関数を差し替える
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager は Manager を作成する
func NewManager(store ObjectStore, records job.RetentionSource, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		records: records,
		config:  cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CleanupParams は Cleanup の入力
type CleanupParams struct {
	RetentionDays int
	DryRun        bool
}

// CleanupResult は Cleanup の結果
type CleanupResult struct {
	DeletedCount  int       `json:"deletedCount"`
	DeletedBytes  int64     `json:"deletedBytes"`
	RetainedCount int       `json:"retainedCount"`
	ScannedCount  int       `json:"scannedCount"`
	FailedCount   int       `json:"failedCount"`
	DryRun        bool      `json:"dryRun"`
	Cutoff        time.Time `json:"cutoff"`
	DeletedKeys   []string  `json:"deletedKeys"`
}

// Cleanup はバケット全体を走査し、保護されていないオブジェクトを削除する
// 保護されるのは次のいずれかに当てはまるオブジェクト
//   - 保持期間内に完了したジョブの RenderOutput が指すキー
//   - 最終成果物タグが付いているか最終成果物プレフィックス配下にあり、保持期間内に更新されたもの
//   - GracePeriod 内に更新されたもの
func (m *Manager) Cleanup(ctx context.Context, params CleanupParams) (*CleanupResult, error) {
	if params.RetentionDays < 0 {
		return nil, job.NewValidationError("retentionDays", "must be a non-negative integer")
	}

	now := m.now()
	cutoff := now.AddDate(0, 0, -params.RetentionDays)

	keys, err := m.records.ListOutputKeysCompletedSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list retained output keys: %w", err)
	}
	preserve := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		preserve[k] = struct{}{}
	}

	result := &CleanupResult{
		DryRun:      params.DryRun,
		Cutoff:      cutoff,
		DeletedKeys: []string{},
	}

	m.logger.Info("ストレージのクリーンアップを開始します",
		"retentionDays", params.RetentionDays,
		"cutoff", cutoff,
		"dryRun", params.DryRun,
		"preservedByRecord", len(preserve),
	)

	err = m.store.ListObjects(ctx, "", func(obj storage.ObjectInfo) error {
		result.ScannedCount++

		if m.isPreserved(obj, preserve, cutoff, now) {
			result.RetainedCount++
			return nil
		}

		if !params.DryRun {
			if err := m.store.DeleteObject(ctx, obj.Key); err != nil {
				m.logger.Warn("オブジェクトの削除に失敗しました",
					"key", obj.Key,
					"error", err,
				)
				result.FailedCount++
				return nil
			}
		}

		result.DeletedCount++
		result.DeletedBytes += obj.Size
		if len(result.DeletedKeys) < deletedSampleLimit {
			result.DeletedKeys = append(result.DeletedKeys, obj.Key)
		}
		return nil
	})
	if err != nil {
		return nil, job.NewStorageError("list", "", err)
	}

	m.logger.Info("ストレージのクリーンアップが完了しました",
		"scanned", result.ScannedCount,
		"deleted", result.DeletedCount,
		"deletedBytes", result.DeletedBytes,
		"retained", result.RetainedCount,
		"failed", result.FailedCount,
		"dryRun", params.DryRun,
	)
	return result, nil
}

func (m *Manager) isPreserved(obj storage.ObjectInfo, preserve map[string]struct{}, cutoff, now time.Time) bool {
	if _, ok := preserve[obj.Key]; ok {
		return true
	}

	recent := obj.LastModified.After(cutoff)
	if recent && storage.IsFinalOutput(obj.UserMetadata) {
		return true
	}
	if recent && m.config.FinalOutputPrefix != "" && strings.HasPrefix(obj.Key, m.config.FinalOutputPrefix) {
		return true
	}

	if m.config.GracePeriod > 0 && obj.LastModified.After(now.Add(-m.config.GracePeriod)) {
		return true
	}
	return false
}

// StaleUploadResult は AbortStaleUploads の結果
type StaleUploadResult struct {
	AbortedCount int      `json:"abortedCount"`
	ScannedCount int      `json:"scannedCount"`
	DryRun       bool     `json:"dryRun"`
	AbortedKeys  []string `json:"abortedKeys"`
}

// AbortStaleUploads は olderThan より前に開始された未完了マルチパートを中止する
func (m *Manager) AbortStaleUploads(ctx context.Context, olderThan time.Duration, dryRun bool) (*StaleUploadResult, error) {
	if olderThan <= 0 {
		return nil, job.NewValidationError("olderThan", "must be positive")
	}

	threshold := m.now().Add(-olderThan)
	result := &StaleUploadResult{DryRun: dryRun, AbortedKeys: []string{}}

	err := m.store.ListIncompleteUploads(ctx, "", func(u storage.IncompleteUpload) error {
		result.ScannedCount++
		if !u.Initiated.Before(threshold) {
			return nil
		}

		if !dryRun {
			if err := m.store.AbortMultipartUpload(ctx, u.Key, u.UploadID); err != nil {
				m.logger.Warn("放置されたマルチパートの中止に失敗しました",
					"key", u.Key,
					"uploadID", u.UploadID,
					"error", err,
				)
				return nil
			}
		}

		result.AbortedCount++
		if len(result.AbortedKeys) < deletedSampleLimit {
			result.AbortedKeys = append(result.AbortedKeys, u.Key)
		}
		return nil
	})
	if err != nil {
		return nil, job.NewStorageError("list incomplete uploads", "", err)
	}

	if result.AbortedCount > 0 {
		m.logger.Info("放置されたマルチパートを中止しました",
			"aborted", result.AbortedCount,
			"scanned", result.ScannedCount,
			"dryRun", dryRun,
		)
	}
	return result, nil
}

// ReclaimResult は ReclaimJob の結果
type ReclaimResult struct {
	JobID        uuid.UUID `json:"jobId"`
	DeletedCount int       `json:"deletedCount"`
	DeletedBytes int64     `json:"deletedBytes"`
}

// ReclaimJob はジョブの中間成果物（元メディアと抽出音声）を削除する
// clips/ 配下の最終成果物には触れない
func (m *Manager) ReclaimJob(ctx context.Context, jobID uuid.UUID) (*ReclaimResult, error) {
	result := &ReclaimResult{JobID: jobID}

	for _, prefix := range storage.IntermediatePrefixes(jobID) {
		err := m.store.ListObjects(ctx, prefix, func(obj storage.ObjectInfo) error {
			if err := m.store.DeleteObject(ctx, obj.Key); err != nil {
				return job.NewStorageError("delete", obj.Key, err)
			}
			result.DeletedCount++
			result.DeletedBytes += obj.Size
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to reclaim %s: %w", prefix, err)
		}
	}

	m.logger.Info("ジョブの中間成果物を削除しました",
		"jobID", jobID,
		"deleted", result.DeletedCount,
		"deletedBytes", result.DeletedBytes,
	)
	return result, nil
}
