package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/pipeline"
)

// ErrMalformedTask はデコードできないメッセージを表す
var ErrMalformedTask = errors.New("malformed task message")

// EncodeTask はタスクをメッセージ本文に変換する
func EncodeTask(task pipeline.Task) ([]byte, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	return body, nil
}

// DecodeTask はメッセージ本文をタスクに変換する
func DecodeTask(body []byte) (pipeline.Task, error) {
	var task pipeline.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return pipeline.Task{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if !task.Kind.IsValid() {
		return pipeline.Task{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedTask, task.Kind)
	}
	if task.JobID == uuid.Nil {
		return pipeline.Task{}, fmt.Errorf("%w: missing job id", ErrMalformedTask)
	}
	if task.Kind == pipeline.TaskPollRender && task.RenderOutputID == uuid.Nil {
		return pipeline.Task{}, fmt.Errorf("%w: missing render output id", ErrMalformedTask)
	}
	return task, nil
}

// expiration はメッセージ単位 TTL の表記（ミリ秒の10進文字列）を返す
func expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
