package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// maxFailAttempts は Fail が競合時に状態を読み直す回数
const maxFailAttempts = 3

// StateMachine はジョブ状態の唯一の更新経路
// 更新は期待状態を条件にした1回の read-modify-write で行う
type StateMachine struct {
	store  StatusStore
	logger *slog.Logger
}

// MachineOption は StateMachine のオプション
type MachineOption func(*StateMachine)

// WithMachineLogger はロガーを設定する
func WithMachineLogger(logger *slog.Logger) MachineOption {
	return func(m *StateMachine) {
		m.logger = logger
	}
}

// NewStateMachine は StateMachine を作成する
func NewStateMachine(store StatusStore, opts ...MachineOption) *StateMachine {
	m := &StateMachine{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Advance はジョブを次の状態に進める
// next が現在状態の定義済み後続でない場合、または並行更新で状態が変わっていた場合は ErrInvalidTransition を返す
func (m *StateMachine) Advance(ctx context.Context, j *Job, next Status) (*Job, error) {
	if next == StatusFailed || !CanTransition(j.Status, next) {
		return nil, &TransitionError{From: string(j.Status), To: string(next)}
	}

	updated, err := m.store.CompareAndSetStatus(ctx, j.ID, j.Status, next, nil)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			current := m.currentStatus(ctx, j)
			m.logger.Warn("状態遷移が競合しました",
				"jobID", j.ID,
				"expected", j.Status,
				"current", current,
				"next", next,
			)
			return nil, &TransitionError{From: string(current), To: string(next)}
		}
		return nil, fmt.Errorf("failed to advance job %s to %s: %w", j.ID, next, err)
	}

	m.logger.Info("ジョブの状態を更新しました",
		"jobID", j.ID,
		"from", j.Status,
		"to", updated.Status,
	)
	return updated, nil
}

// Fail はジョブを failed にする
// 既に failed のジョブに対しては何もしない。completed のジョブは失敗にできない
func (m *StateMachine) Fail(ctx context.Context, j *Job, reason string) (*Job, error) {
	current := j
	for range maxFailAttempts {
		switch current.Status {
		case StatusFailed:
			return current, nil
		case StatusCompleted:
			return nil, &TransitionError{From: string(current.Status), To: string(StatusFailed)}
		}

		msg := reason
		updated, err := m.store.CompareAndSetStatus(ctx, current.ID, current.Status, StatusFailed, &msg)
		if err == nil {
			m.logger.Error("ジョブが失敗しました",
				"jobID", updated.ID,
				"from", current.Status,
				"reason", reason,
			)
			return updated, nil
		}
		if !errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("failed to mark job %s as failed: %w", current.ID, err)
		}

		reloaded, err := m.store.GetJob(ctx, current.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload job %s: %w", current.ID, err)
		}
		current = reloaded
	}

	return nil, fmt.Errorf("failed to mark job %s as failed: %w", j.ID, ErrStatusConflict)
}

func (m *StateMachine) currentStatus(ctx context.Context, j *Job) Status {
	reloaded, err := m.store.GetJob(ctx, j.ID)
	if err != nil {
		return j.Status
	}
	return reloaded.Status
}
