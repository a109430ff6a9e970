package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner は定期実行で呼び出すクリーンアップ操作
// Manager がそのまま満たす
type Runner interface {
	Cleanup(ctx context.Context, params CleanupParams) (*CleanupResult, error)
	AbortStaleUploads(ctx context.Context, olderThan time.Duration, dryRun bool) (*StaleUploadResult, error)
}

// ScheduleConfig は定期クリーンアップの設定
type ScheduleConfig struct {
	CronSchedule   string // 例: "0 3 * * *" = 毎日3:00
	RetentionDays  int
	StaleUploadAge time.Duration
	DryRun         bool
	// Timeout は1回の実行の上限。0 なら無制限
	Timeout time.Duration
}

// Scheduler はクリーンアップを cron で定期実行する
type Scheduler struct {
	runner Runner
	config ScheduleConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler は Scheduler を作成する
func NewScheduler(runner Runner, cfg ScheduleConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		config: cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start はスケジューラーを起動する
// ctx は各実行に引き継がれ、キャンセル後の実行はすぐに終わる
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.config.CronSchedule, func() {
		if _, err := s.Run(ctx); err != nil {
			s.logger.Error("定期クリーンアップに失敗しました", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register cron schedule %q: %w", s.config.CronSchedule, err)
	}

	s.cron.Start()
	s.logger.Info("定期クリーンアップを開始しました",
		"schedule", s.config.CronSchedule,
		"retentionDays", s.config.RetentionDays,
		"dryRun", s.config.DryRun,
	)
	return nil
}

// Stop はスケジューラーを停止し、実行中のジョブの終了を待つ
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("定期クリーンアップを停止しました")
}

// RunResult は1回分の実行結果
type RunResult struct {
	Cleanup      *CleanupResult
	StaleUploads *StaleUploadResult
}

// Run はクリーンアップと放置マルチパートの中止を1回実行する
// 放置マルチパートの中止に失敗してもクリーンアップの結果は返す
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	cleanup, err := s.runner.Cleanup(ctx, CleanupParams{
		RetentionDays: s.config.RetentionDays,
		DryRun:        s.config.DryRun,
	})
	if err != nil {
		return nil, err
	}
	result := &RunResult{Cleanup: cleanup}

	if s.config.StaleUploadAge <= 0 {
		return result, nil
	}
	stale, err := s.runner.AbortStaleUploads(ctx, s.config.StaleUploadAge, s.config.DryRun)
	if err != nil {
		return result, fmt.Errorf("failed to abort stale uploads: %w", err)
	}
	result.StaleUploads = stale

	s.logger.Info("定期クリーンアップが完了しました",
		"deleted", cleanup.DeletedCount,
		"retained", cleanup.RetainedCount,
		"abortedUploads", stale.AbortedCount,
	)
	return result, nil
}
