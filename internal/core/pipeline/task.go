package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
)

// TaskKind はキューに流れるタスクの種別
type TaskKind string

const (
	TaskPreprocess TaskKind = "preprocess"
	TaskTranscribe TaskKind = "transcribe"
	TaskAnalyze    TaskKind = "analyze"
	TaskClip       TaskKind = "clip"
	TaskPollRender TaskKind = "poll_render"
	TaskReclaim    TaskKind = "reclaim"
)

// IsValid は既知の種別かを返す
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskPreprocess, TaskTranscribe, TaskAnalyze, TaskClip, TaskPollRender, TaskReclaim:
		return true
	}
	return false
}

// Task はワーカーが1回の呼び出しで処理する単位
// 配送は at-least-once なので、同じタスクが複数回届いても安全に処理できる必要がある
type Task struct {
	Kind           TaskKind  `json:"kind"`
	JobID          uuid.UUID `json:"jobId"`
	RenderOutputID uuid.UUID `json:"renderOutputId"`
	Attempt        int       `json:"attempt"`

	// StartedAt はポーリング連鎖の起点。最大待機時間の計測に使う
	StartedAt time.Time `json:"startedAt"`
}

// TaskQueue は永続キューへの投入を抽象化する
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	// EnqueueAfter は delay 経過後に配送されるようタスクを投入する
	EnqueueAfter(ctx context.Context, task Task, delay time.Duration) error
}

// stage はステージごとの実行条件と後続
type stage struct {
	kind      TaskKind
	status    job.Status
	next      job.Status
	nextTask  TaskKind
	retryable bool
}

// stages はステージの定義表
// 前処理はローカル処理のみなので自動リトライしない
var stages = map[TaskKind]stage{
	TaskPreprocess: {kind: TaskPreprocess, status: job.StatusPreprocessing, next: job.StatusTranscribing, nextTask: TaskTranscribe},
	TaskTranscribe: {kind: TaskTranscribe, status: job.StatusTranscribing, next: job.StatusAnalyzing, nextTask: TaskAnalyze, retryable: true},
	TaskAnalyze:    {kind: TaskAnalyze, status: job.StatusAnalyzing, next: job.StatusClipping, nextTask: TaskClip, retryable: true},
	TaskClip:       {kind: TaskClip, status: job.StatusClipping, next: job.StatusCompleted, retryable: true},
}

// taskForStatus はジョブ状態に対応するステージタスクを返す
func taskForStatus(status job.Status) (TaskKind, bool) {
	for kind, st := range stages {
		if st.status == status {
			return kind, true
		}
	}
	return "", false
}
