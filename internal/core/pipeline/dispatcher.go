package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jinford/clipline/internal/core/job"
)

// StageHandler はステージ1つ分の処理
// 同じジョブに対して複数回呼ばれても、既存の成果物を確認して重複作業をしないこと
type StageHandler interface {
	Run(ctx context.Context, j *job.Job) error
}

// failureHook はステージが最終的に失敗したときの後始末を持つハンドラ
type failureHook interface {
	OnFailure(ctx context.Context, j *job.Job, cause error)
}

// Handlers はステージごとのハンドラ
type Handlers struct {
	Preprocess StageHandler
	Transcribe StageHandler
	Analyze    StageHandler
	Clip       StageHandler
}

// DispatcherConfig はリトライとタイムアウトの設定
type DispatcherConfig struct {
	MaxAttempts          int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	StageTimeout         time.Duration
	ReclaimIntermediates bool
}

// DefaultDispatcherConfig は既定の設定を返す
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts:          3,
		BaseBackoff:          2 * time.Second,
		MaxBackoff:           32 * time.Second,
		StageTimeout:         15 * time.Minute,
		ReclaimIntermediates: true,
	}
}

// Dispatcher はタスク1件につきステージハンドラを1回実行し、成功時に次のステージへ引き継ぐ
type Dispatcher struct {
	repo      job.Repository
	machine   *job.StateMachine
	queue     TaskQueue
	handlers  map[TaskKind]StageHandler
	poller    *RenderPoller
	reclaimer Reclaimer
	config    DispatcherConfig
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// DispatcherOption は Dispatcher のオプション
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger はロガーを設定する
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithReclaimer は中間成果物の回収先を設定する
func WithReclaimer(r Reclaimer) DispatcherOption {
	return func(d *Dispatcher) {
		d.reclaimer = r
	}
}

// NewDispatcher は Dispatcher を作成する
func NewDispatcher(
	repo job.Repository,
	machine *job.StateMachine,
	queue TaskQueue,
	handlers Handlers,
	poller *RenderPoller,
	cfg DispatcherConfig,
	opts ...DispatcherOption,
) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	d := &Dispatcher{
		repo:    repo,
		machine: machine,
		queue:   queue,
		handlers: map[TaskKind]StageHandler{
			TaskPreprocess: handlers.Preprocess,
			TaskTranscribe: handlers.Transcribe,
			TaskAnalyze:    handlers.Analyze,
			TaskClip:       handlers.Clip,
		},
		poller: poller,
		config: cfg,
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch はタスクを処理する
// 戻り値が nil のときタスクは処理済み（失敗として処理した場合を含む）。
// エラーを返すのはインフラ障害などで再配送すべき場合だけ
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) error {
	switch task.Kind {
	case TaskPollRender:
		if d.poller == nil {
			return fmt.Errorf("render poller is not configured")
		}
		return d.poller.Poll(ctx, task)
	case TaskReclaim:
		return d.reclaim(ctx, task)
	}

	st, ok := stages[task.Kind]
	if !ok {
		d.logger.Error("不明なタスク種別を破棄します", "kind", task.Kind, "jobID", task.JobID)
		return nil
	}
	return d.runStage(ctx, st, task)
}

func (d *Dispatcher) runStage(ctx context.Context, st stage, task Task) error {
	j, err := d.repo.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			d.logger.Warn("ジョブが存在しないためタスクを破棄します", "jobID", task.JobID, "kind", task.Kind)
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	switch {
	case j.Status == job.StatusFailed:
		d.logger.Info("失敗済みジョブのタスクをスキップします", "jobID", j.ID, "kind", task.Kind)
		return nil
	case j.Status == st.status:
		// 実行対象
	case j.Status == st.next:
		// advance 済みで次のタスクが未投入の可能性がある。次のステージは重複投入を許容する
		d.logger.Info("処理済みステージの再配送のため次のステージを再投入します",
			"jobID", j.ID,
			"kind", task.Kind,
			"status", j.Status,
		)
		return d.handoff(ctx, st, j)
	case st.status.Precedes(j.Status):
		d.logger.Info("処理済みステージの重複配送をスキップします",
			"jobID", j.ID,
			"kind", task.Kind,
			"status", j.Status,
		)
		return nil
	default:
		d.logger.Error("ジョブがステージの実行可能状態にありません",
			"jobID", j.ID,
			"kind", task.Kind,
			"status", j.Status,
			"expected", st.status,
		)
		return nil
	}

	handler := d.handlers[st.kind]
	if handler == nil {
		return fmt.Errorf("no handler registered for stage %s", st.kind)
	}

	d.logger.Info("ステージを開始します", "jobID", j.ID, "stage", st.kind)
	if err := d.runWithRetry(ctx, st, handler, j); err != nil {
		if ctx.Err() != nil {
			// シャットダウン中は再配送に任せる
			return fmt.Errorf("stage %s interrupted: %w", st.kind, ctx.Err())
		}
		if hook, ok := handler.(failureHook); ok {
			hook.OnFailure(ctx, j, err)
		}
		if _, failErr := d.machine.Fail(ctx, j, err.Error()); failErr != nil {
			return fmt.Errorf("failed to record stage failure: %w", failErr)
		}
		return nil
	}

	advanced, err := d.machine.Advance(ctx, j, st.next)
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			// 並行実行された同じステージが先に進めた
			return nil
		}
		return err
	}
	return d.handoff(ctx, st, advanced)
}

// handoff は st.next に進んだジョブを次のステージへ引き継ぐ
// エラーを返した場合は再配送され、runStage から再び呼ばれる
func (d *Dispatcher) handoff(ctx context.Context, st stage, j *job.Job) error {
	if st.nextTask != "" {
		if err := d.queue.Enqueue(ctx, Task{Kind: st.nextTask, JobID: j.ID}); err != nil {
			d.logger.Error("次のステージの投入に失敗しました。再配送で再試行します",
				"jobID", j.ID,
				"nextTask", st.nextTask,
				"error", err,
			)
			return fmt.Errorf("failed to enqueue %s: %w", st.nextTask, err)
		}
		return nil
	}

	// 最終ステージ完了後、既に全レンダリングが終わっていれば回収する
	d.maybeReclaim(ctx, j)
	return nil
}

func (d *Dispatcher) runWithRetry(ctx context.Context, st stage, handler StageHandler, j *job.Job) error {
	attempts := 1
	if st.retryable {
		attempts = d.config.MaxAttempts
	}

	for attempt := 1; ; attempt++ {
		err := d.runOnce(ctx, handler, j)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= attempts || !job.IsTransient(err) {
			return err
		}

		backoff := d.backoff(attempt)
		d.logger.Warn("ステージを再試行します",
			"jobID", j.ID,
			"stage", st.kind,
			"attempt", attempt,
			"maxAttempts", attempts,
			"backoff", backoff,
			"error", err,
		)
		if err := d.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context, handler StageHandler, j *job.Job) error {
	if d.config.StageTimeout <= 0 {
		return handler.Run(ctx, j)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.config.StageTimeout)
	defer cancel()
	return handler.Run(attemptCtx, j)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * d.config.BaseBackoff
	if d.config.MaxBackoff > 0 && backoff > d.config.MaxBackoff {
		backoff = d.config.MaxBackoff
	}
	return backoff
}

// maybeReclaim はジョブが完了し、全 RenderOutput が終端なら回収タスクを投入する
func (d *Dispatcher) maybeReclaim(ctx context.Context, j *job.Job) {
	if !d.config.ReclaimIntermediates || d.reclaimer == nil {
		return
	}
	enqueueReclaimIfSettled(ctx, d.repo, d.queue, d.logger, j)
}

func (d *Dispatcher) reclaim(ctx context.Context, task Task) error {
	if d.reclaimer == nil || !d.config.ReclaimIntermediates {
		return nil
	}
	// 回収できなかったものは保持期間後のクリーンアップで消える
	if _, err := d.reclaimer.ReclaimJob(ctx, task.JobID); err != nil {
		d.logger.Warn("中間成果物の回収に失敗しました", "jobID", task.JobID, "error", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
