package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
)

// ExhaustionPolicy は待機上限を超えたレンダリングの扱い
type ExhaustionPolicy string

const (
	// ExhaustionFail は RenderOutput を failed にする
	ExhaustionFail ExhaustionPolicy = "fail"
	// ExhaustionLeave は processing のままポーリングを止める
	ExhaustionLeave ExhaustionPolicy = "leave"
)

// IsValid は既知のポリシーかを返す
func (p ExhaustionPolicy) IsValid() bool {
	return p == ExhaustionFail || p == ExhaustionLeave
}

const defaultRenderFailure = "render failed"

// PollerConfig はポーリングの設定
type PollerConfig struct {
	Interval             time.Duration
	MaxWait              time.Duration
	Policy               ExhaustionPolicy
	ReclaimIntermediates bool
}

// DefaultPollerConfig は既定の設定を返す
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:             10 * time.Second,
		MaxWait:              30 * time.Minute,
		Policy:               ExhaustionFail,
		ReclaimIntermediates: true,
	}
}

// RenderPoller はレンダリングの完了を遅延タスクの再投入で待つ
type RenderPoller struct {
	repo       job.Repository
	queue      TaskQueue
	renderer   Renderer
	downloader AssetDownloader
	store      ObjectStore
	config     PollerConfig
	logger     *slog.Logger
	now        func() time.Time
}

// PollerOption は RenderPoller のオプション
type PollerOption func(*RenderPoller)

// WithPollerLogger はロガーを設定する
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *RenderPoller) {
		p.logger = logger
	}
}

// WithPollerClock は現在時刻の取得関数を差し替える
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *RenderPoller) {
		p.now = now
	}
}

// NewRenderPoller は RenderPoller を作成する
func NewRenderPoller(
	repo job.Repository,
	queue TaskQueue,
	renderer Renderer,
	downloader AssetDownloader,
	store ObjectStore,
	cfg PollerConfig,
	opts ...PollerOption,
) *RenderPoller {
	if !cfg.Policy.IsValid() {
		cfg.Policy = ExhaustionFail
	}
	p := &RenderPoller{
		repo:       repo,
		queue:      queue,
		renderer:   renderer,
		downloader: downloader,
		store:      store,
		config:     cfg,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollOnce はレンダリングサービスに状態を1回問い合わせる
func (p *RenderPoller) PollOnce(ctx context.Context, handle string) (*RenderReport, error) {
	report, err := p.renderer.Status(ctx, handle)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Poll はポーリングタスク1件を処理する
// 終端に達しなければ Interval 後に同じタスクを再投入する
func (p *RenderPoller) Poll(ctx context.Context, task Task) error {
	out, err := p.repo.GetRenderOutput(ctx, task.RenderOutputID)
	if err != nil {
		if errors.Is(err, job.ErrRenderOutputNotFound) {
			p.logger.Warn("RenderOutput が存在しないためポーリングを破棄します", "renderID", task.RenderOutputID)
			return nil
		}
		return fmt.Errorf("failed to load render output: %w", err)
	}

	if out.Status.IsTerminal() {
		return nil
	}
	if out.Status != job.RenderProcessing || !out.HasHandle() {
		p.logger.Warn("投入されていない RenderOutput はポーリングしません",
			"renderID", out.ID,
			"status", out.Status,
		)
		return nil
	}

	if task.StartedAt.IsZero() {
		task.StartedAt = p.now()
	}

	report, err := p.PollOnce(ctx, *out.RenderHandle)
	if err != nil {
		if job.IsTransient(err) {
			p.logger.Warn("レンダリング状態の取得に失敗しました。再試行します",
				"renderID", out.ID,
				"attempt", task.Attempt,
				"error", err,
			)
			return p.reschedule(ctx, task, out)
		}
		return p.fail(ctx, out, err.Error())
	}

	switch report.State {
	case RenderStateDone:
		if err := p.complete(ctx, out, report.URL); err != nil {
			if job.IsTransient(err) {
				p.logger.Warn("成果物のコピーに失敗しました。再試行します",
					"renderID", out.ID,
					"error", err,
				)
				return p.reschedule(ctx, task, out)
			}
			return p.fail(ctx, out, err.Error())
		}
		return nil
	case RenderStateFailed:
		msg := report.Error
		if msg == "" {
			msg = defaultRenderFailure
		}
		return p.fail(ctx, out, msg)
	default:
		p.logger.Debug("レンダリング中です",
			"renderID", out.ID,
			"state", report.State,
			"progress", report.Progress,
		)
		return p.reschedule(ctx, task, out)
	}
}

func (p *RenderPoller) reschedule(ctx context.Context, task Task, out *job.RenderOutput) error {
	elapsed := p.now().Sub(task.StartedAt)
	if p.config.MaxWait > 0 && elapsed >= p.config.MaxWait {
		return p.exhausted(ctx, out, elapsed)
	}

	next := task
	next.Attempt++
	if err := p.queue.EnqueueAfter(ctx, next, p.config.Interval); err != nil {
		return fmt.Errorf("failed to reschedule poll: %w", err)
	}
	return nil
}

func (p *RenderPoller) exhausted(ctx context.Context, out *job.RenderOutput, elapsed time.Duration) error {
	if p.config.Policy == ExhaustionLeave {
		p.logger.Warn("レンダリングが待機上限内に終わりませんでした。processing のまま残します",
			"renderID", out.ID,
			"jobID", out.JobID,
			"elapsed", elapsed,
		)
		return nil
	}
	return p.fail(ctx, out, fmt.Sprintf("render did not finish within %s", p.config.MaxWait))
}

// complete はレンダリング結果を自前のストアへコピーしてから completed にする
func (p *RenderPoller) complete(ctx context.Context, out *job.RenderOutput, url string) error {
	if url == "" {
		return job.Permanent("render status", errors.New("render finished without an asset url"))
	}

	key := storage.ClipKey(out.JobID, out.SegmentID)
	if err := p.copyAsset(ctx, url, key, out); err != nil {
		return err
	}

	_, err := p.repo.TransitionRenderOutput(ctx, out.ID, job.RenderProcessing, job.RenderCompleted, job.RenderUpdate{OutputKey: &key})
	if err != nil {
		if errors.Is(err, job.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("failed to complete render output: %w", err)
	}

	p.logger.Info("クリップが完成しました",
		"renderID", out.ID,
		"jobID", out.JobID,
		"segmentID", out.SegmentID,
		"key", key,
	)
	p.settle(ctx, out)
	return nil
}

func (p *RenderPoller) copyAsset(ctx context.Context, url, key string, out *job.RenderOutput) error {
	body, size, err := p.downloader.Download(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := p.store.Put(ctx, key, body, size, "video/mp4", storage.FinalOutputMetadata(out.JobID, out.SegmentID)); err != nil {
		return job.NewStorageError("put", key, err)
	}
	return nil
}

func (p *RenderPoller) fail(ctx context.Context, out *job.RenderOutput, reason string) error {
	_, err := p.repo.TransitionRenderOutput(ctx, out.ID, job.RenderProcessing, job.RenderFailed, job.RenderUpdate{ErrorMessage: &reason})
	if err != nil {
		if errors.Is(err, job.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("failed to mark render output failed: %w", err)
	}

	p.logger.Error("クリップのレンダリングが失敗しました",
		"renderID", out.ID,
		"jobID", out.JobID,
		"segmentID", out.SegmentID,
		"reason", reason,
	)
	p.settle(ctx, out)
	return nil
}

func (p *RenderPoller) settle(ctx context.Context, out *job.RenderOutput) {
	if !p.config.ReclaimIntermediates {
		return
	}
	j, err := p.repo.GetJob(ctx, out.JobID)
	if err != nil {
		p.logger.Warn("ジョブの取得に失敗しました", "jobID", out.JobID, "error", err)
		return
	}
	enqueueReclaimIfSettled(ctx, p.repo, p.queue, p.logger, j)
}

// enqueueReclaimIfSettled は完了ジョブの全 RenderOutput が終端なら回収タスクを投入する
func enqueueReclaimIfSettled(ctx context.Context, repo job.Repository, queue TaskQueue, logger *slog.Logger, j *job.Job) {
	if j.Status != job.StatusCompleted {
		return
	}

	outs, err := repo.ListRenderOutputs(ctx, j.ID)
	if err != nil {
		logger.Warn("RenderOutput の取得に失敗しました", "jobID", j.ID, "error", err)
		return
	}
	for _, o := range outs {
		if !o.Status.IsTerminal() {
			return
		}
	}

	if err := queue.Enqueue(ctx, Task{Kind: TaskReclaim, JobID: j.ID}); err != nil {
		logger.Warn("回収タスクの投入に失敗しました", "jobID", j.ID, "error", err)
		return
	}
	logger.Info("中間成果物の回収を予約しました", "jobID", j.ID)
}
