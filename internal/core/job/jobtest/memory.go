// Package jobtest はテスト用のインメモリ Repository とフィクスチャを提供する
package jobtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/samber/mo"
)

// MemoryRepository は job.Repository のインメモリ実装です
// 返す値はすべてコピーなので、呼び出し側で変更しても保存内容には影響しない
type MemoryRepository struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*job.Job
	segments map[uuid.UUID][]*job.Segment
	outputs  map[uuid.UUID]*job.RenderOutput
	now      func() time.Time

	// TransitionRenderOutputErr が設定されていれば TransitionRenderOutput はこのエラーを返す
	TransitionRenderOutputErr error
}

var (
	_ job.Repository      = (*MemoryRepository)(nil)
	_ job.RetentionSource = (*MemoryRepository)(nil)
)

// NewMemoryRepository は空の MemoryRepository を作成します
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:     make(map[uuid.UUID]*job.Job),
		segments: make(map[uuid.UUID][]*job.Segment),
		outputs:  make(map[uuid.UUID]*job.RenderOutput),
		now:      time.Now,
	}
}

// SetClock は時刻の取得関数を差し替えます
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) GetJob(_ context.Context, id uuid.UUID) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (r *MemoryRepository) CompareAndSetStatus(_ context.Context, id uuid.UUID, expected, next job.Status, errorMessage *string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	if j.Status != expected {
		return nil, job.ErrStatusConflict
	}

	now := r.now()
	j.Status = next
	j.UpdatedAt = now
	j.ErrorMessage = nil
	if next == job.StatusFailed {
		j.ErrorMessage = errorMessage
	}
	if next == job.StatusCompleted {
		j.CompletedAt = &now
	}
	return copyJob(j), nil
}

func (r *MemoryRepository) CreateJob(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; ok {
		return job.NewValidationError("id", "already exists")
	}
	now := r.now()
	j.CreatedAt, j.UpdatedAt = now, now
	r.jobs[j.ID] = copyJob(j)
	return nil
}

func (r *MemoryRepository) SetAudioKey(_ context.Context, id uuid.UUID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	j.AudioKey = &key
	return nil
}

func (r *MemoryRepository) SetTranscript(_ context.Context, id uuid.UUID, transcript *job.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	t := *transcript
	j.Transcript = &t
	return nil
}

func (r *MemoryRepository) CreateSegments(_ context.Context, jobID uuid.UUID, segments []*job.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.segments[jobID]) > 0 {
		return job.ErrSegmentsExist
	}
	now := r.now()
	stored := make([]*job.Segment, 0, len(segments))
	for _, s := range segments {
		c := *s
		c.JobID = jobID
		c.CreatedAt = now
		stored = append(stored, &c)
	}
	r.segments[jobID] = stored
	return nil
}

func (r *MemoryRepository) ListSegments(_ context.Context, jobID uuid.UUID) ([]*job.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*job.Segment, 0, len(r.segments[jobID]))
	for _, s := range r.segments[jobID] {
		c := *s
		result = append(result, &c)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].Ordinal < result[b].Ordinal })
	return result, nil
}

func (r *MemoryRepository) CreateRenderOutput(_ context.Context, out *job.RenderOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outputs {
		if o.SegmentID == out.SegmentID {
			return job.ErrRenderOutputExists
		}
	}
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	now := r.now()
	out.CreatedAt, out.UpdatedAt = now, now
	r.outputs[out.ID] = copyOutput(out)
	return nil
}

func (r *MemoryRepository) FindRenderOutputBySegment(_ context.Context, segmentID uuid.UUID) (mo.Option[*job.RenderOutput], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outputs {
		if o.SegmentID == segmentID {
			return mo.Some(copyOutput(o)), nil
		}
	}
	return mo.None[*job.RenderOutput](), nil
}

func (r *MemoryRepository) GetRenderOutput(_ context.Context, id uuid.UUID) (*job.RenderOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outputs[id]
	if !ok {
		return nil, job.ErrRenderOutputNotFound
	}
	return copyOutput(o), nil
}

func (r *MemoryRepository) ListRenderOutputs(_ context.Context, jobID uuid.UUID) ([]*job.RenderOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*job.RenderOutput
	for _, o := range r.outputs {
		if o.JobID == jobID {
			result = append(result, copyOutput(o))
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].CreatedAt.Before(result[b].CreatedAt) })
	return result, nil
}

func (r *MemoryRepository) SetRenderHandle(_ context.Context, id uuid.UUID, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outputs[id]
	if !ok {
		return job.ErrRenderOutputNotFound
	}
	o.RenderHandle = &handle
	o.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) TransitionRenderOutput(_ context.Context, id uuid.UUID, from, to job.RenderStatus, update job.RenderUpdate) (*job.RenderOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.TransitionRenderOutputErr != nil {
		return nil, r.TransitionRenderOutputErr
	}
	if !job.CanTransitionRender(from, to) {
		return nil, &job.TransitionError{From: string(from), To: string(to)}
	}
	o, ok := r.outputs[id]
	if !ok {
		return nil, job.ErrRenderOutputNotFound
	}
	if o.Status != from {
		return nil, job.ErrStatusConflict
	}

	now := r.now()
	o.Status = to
	o.UpdatedAt = now
	if update.OutputKey != nil {
		o.OutputKey = update.OutputKey
	}
	if update.ErrorMessage != nil {
		o.ErrorMessage = update.ErrorMessage
	}
	if to.IsTerminal() {
		o.CompletedAt = &now
	}
	return copyOutput(o), nil
}

func (r *MemoryRepository) ListOutputKeysCompletedSince(_ context.Context, since time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for _, o := range r.outputs {
		j, ok := r.jobs[o.JobID]
		if !ok || j.CompletedAt == nil || j.CompletedAt.Before(since) || o.OutputKey == nil {
			continue
		}
		keys = append(keys, *o.OutputKey)
	}
	return keys, nil
}

// PutJob はジョブをそのまま保存します
func (r *MemoryRepository) PutJob(j *job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = copyJob(j)
}

// PutRenderOutput は RenderOutput をそのまま保存します
func (r *MemoryRepository) PutRenderOutput(o *job.RenderOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[o.ID] = copyOutput(o)
}

func copyJob(j *job.Job) *job.Job {
	c := *j
	return &c
}

func copyOutput(o *job.RenderOutput) *job.RenderOutput {
	c := *o
	return &c
}
