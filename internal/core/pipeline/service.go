package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
)

// CreateJobParams はジョブ作成の入力
type CreateJobParams struct {
	// ID を指定しない場合は新規に採番する
	ID          uuid.UUID
	OriginalKey string
	// Filename はメディア種別の判定に使う。空ならキーの末尾を使う
	Filename  string
	MediaKind job.MediaKind
	Config    job.Config
}

// SegmentStatus はセグメントとそのレンダリング状況
type SegmentStatus struct {
	Segment *job.Segment
	Render  *job.RenderOutput
}

// JobStatus は getJobStatus の結果
type JobStatus struct {
	Job      *job.Job
	Segments []SegmentStatus
}

// Clip は完成したクリップ
type Clip struct {
	SegmentID    uuid.UUID
	RenderID     uuid.UUID
	Ordinal      int
	Title        string
	Description  string
	StartSeconds float64
	EndSeconds   float64
	OutputKey    string
	URL          string
	CompletedAt  *time.Time
}

// Service はジョブ操作のユースケースを提供する
type Service struct {
	repo        job.Repository
	machine     *job.StateMachine
	queue       TaskQueue
	store       ObjectStore
	fetcher       URLFetcher
	clipURLTTL    time.Duration
	maxFileSize   int64
	importMaxSize int64
	logger        *slog.Logger
	now           func() time.Time
}

type serviceOptions struct {
	fetcher       URLFetcher
	clipURLTTL    time.Duration
	maxFileSize   int64
	importMaxSize int64
	logger        *slog.Logger
	now           func() time.Time
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*serviceOptions)

// WithServiceLogger はロガーを設定する
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithClipURLExpiry はクリップ URL の有効期限を設定する
func WithClipURLExpiry(d time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.clipURLTTL = d
	}
}

// WithMaxFileSize は直接アップロードの上限サイズを設定する
func WithMaxFileSize(size int64) ServiceOption {
	return func(o *serviceOptions) {
		o.maxFileSize = size
	}
}

// WithURLFetcher は URL 取り込みに使う取得処理を設定する。未設定なら取り込みは使えない
func WithURLFetcher(f URLFetcher) ServiceOption {
	return func(o *serviceOptions) {
		o.fetcher = f
	}
}

// WithImportMaxSize は URL 取り込みの上限サイズを設定する
func WithImportMaxSize(size int64) ServiceOption {
	return func(o *serviceOptions) {
		o.importMaxSize = size
	}
}

// WithServiceClock は現在時刻の取得関数を差し替える
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) {
		o.now = now
	}
}

// NewService は Service を作成する
func NewService(repo job.Repository, machine *job.StateMachine, queue TaskQueue, store ObjectStore, opts ...ServiceOption) *Service {
	options := &serviceOptions{
		clipURLTTL: 24 * time.Hour,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Service{
		repo:          repo,
		machine:       machine,
		queue:         queue,
		store:         store,
		fetcher:       options.fetcher,
		clipURLTTL:    options.clipURLTTL,
		maxFileSize:   options.maxFileSize,
		importMaxSize: options.importMaxSize,
		logger:        options.logger,
		now:           options.now,
	}
}

// CreateJob はジョブを作成し、前処理タスクを投入する
func (s *Service) CreateJob(ctx context.Context, params CreateJobParams) (*job.Job, error) {
	if strings.TrimSpace(params.OriginalKey) == "" {
		return nil, job.NewValidationError("key", "is required")
	}

	kind := params.MediaKind
	if kind == "" {
		name := params.Filename
		if name == "" {
			name = path.Base(params.OriginalKey)
		}
		detected, err := job.DetectMediaKind(name)
		if err != nil {
			return nil, err
		}
		kind = detected
	}
	if !kind.IsValid() {
		return nil, job.NewValidationError("mediaKind", "must be video or audio")
	}

	cfg := params.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	j := &job.Job{
		ID:          id,
		MediaKind:   kind,
		Status:      job.StatusPending,
		Config:      cfg,
		OriginalKey: params.OriginalKey,
	}
	if err := s.repo.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	started, err := s.machine.Advance(ctx, j, job.StatusPreprocessing)
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, Task{Kind: TaskPreprocess, JobID: started.ID}); err != nil {
		s.logger.Error("前処理タスクの投入に失敗しました。job resume で再投入できます",
			"jobID", started.ID,
			"error", err,
		)
		return started, fmt.Errorf("failed to enqueue preprocess: %w", err)
	}

	s.logger.Info("ジョブを作成しました",
		"jobID", started.ID,
		"mediaKind", started.MediaKind,
		"key", started.OriginalKey,
		"numSegments", cfg.NumSegments,
	)
	return started, nil
}

// UploadAndCreateJob はメディアを直接アップロードしてジョブを作成する
func (s *Service) UploadAndCreateJob(ctx context.Context, filename string, body io.Reader, size int64, cfg job.Config) (*job.Job, error) {
	kind, err := job.DetectMediaKind(filename)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, job.NewValidationError("file", "is empty")
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		return nil, job.NewValidationError("file", fmt.Sprintf("exceeds the maximum size of %d bytes", s.maxFileSize))
	}
	if err := cfg.WithDefaults().Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	key := storage.UploadKey(id, filename)
	if err := s.store.Put(ctx, key, body, size, job.ContentTypeFor(filename), nil); err != nil {
		return nil, job.NewStorageError("put", key, err)
	}

	return s.CreateJob(ctx, CreateJobParams{
		ID:          id,
		OriginalKey: key,
		Filename:    filename,
		MediaKind:   kind,
		Config:      cfg,
	})
}

// FinalizeJobFromUpload はアップロード済みのオブジェクトからジョブを作成する
func (s *Service) FinalizeJobFromUpload(ctx context.Context, jobID uuid.UUID, key string, cfg job.Config) (*job.Job, error) {
	if jobID == uuid.Nil {
		return nil, job.NewValidationError("jobId", "is required")
	}
	if !strings.HasPrefix(key, storage.UploadsPrefix+jobID.String()+"/") {
		return nil, job.NewValidationError("key", "does not belong to the job")
	}

	if _, err := s.store.Stat(ctx, key); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, job.NewValidationError("key", "object does not exist")
		}
		return nil, job.NewStorageError("stat", key, err)
	}

	return s.CreateJob(ctx, CreateJobParams{
		ID:          jobID,
		OriginalKey: key,
		Config:      cfg,
	})
}

// GetJobStatus はジョブとセグメントごとのレンダリング状況を返す
func (s *Service) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	segments, err := s.repo.ListSegments(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	outs, err := s.repo.ListRenderOutputs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list render outputs: %w", err)
	}

	bySegment := make(map[uuid.UUID]*job.RenderOutput, len(outs))
	for _, o := range outs {
		bySegment[o.SegmentID] = o
	}

	status := &JobStatus{Job: j, Segments: make([]SegmentStatus, 0, len(segments))}
	for _, seg := range segments {
		status.Segments = append(status.Segments, SegmentStatus{
			Segment: seg,
			Render:  bySegment[seg.ID],
		})
	}
	return status, nil
}

// ListCompletedClips は完成したクリップを署名付き URL つきで返す
func (s *Service) ListCompletedClips(ctx context.Context, jobID uuid.UUID) ([]Clip, error) {
	if _, err := s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	segments, err := s.repo.ListSegments(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	outs, err := s.repo.ListRenderOutputs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list render outputs: %w", err)
	}

	bySegment := make(map[uuid.UUID]*job.RenderOutput, len(outs))
	for _, o := range outs {
		bySegment[o.SegmentID] = o
	}

	clips := make([]Clip, 0, len(outs))
	for _, seg := range segments {
		out, ok := bySegment[seg.ID]
		if !ok || out.Status != job.RenderCompleted || out.OutputKey == nil {
			continue
		}

		url, err := s.store.PresignGet(ctx, *out.OutputKey, s.clipURLTTL)
		if err != nil {
			return nil, job.NewStorageError("presign", *out.OutputKey, err)
		}

		clips = append(clips, Clip{
			SegmentID:    seg.ID,
			RenderID:     out.ID,
			Ordinal:      seg.Ordinal,
			Title:        seg.Title,
			Description:  seg.Description,
			StartSeconds: seg.StartSeconds,
			EndSeconds:   seg.EndSeconds,
			OutputKey:    *out.OutputKey,
			URL:          url,
			CompletedAt:  out.CompletedAt,
		})
	}
	return clips, nil
}

// ResumeJob はジョブの現在状態に対応するタスクを再投入する
// advance と enqueue の間でプロセスが落ちた場合の復旧に使う
func (s *Service) ResumeJob(ctx context.Context, jobID uuid.UUID) ([]Task, error) {
	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch j.Status {
	case job.StatusFailed:
		return nil, job.NewValidationError("status", "failed jobs cannot be resumed")
	case job.StatusPending:
		started, err := s.machine.Advance(ctx, j, job.StatusPreprocessing)
		if err != nil {
			return nil, err
		}
		j = started
	case job.StatusCompleted:
		return s.resumePolls(ctx, j)
	}

	kind, ok := taskForStatus(j.Status)
	if !ok {
		return nil, fmt.Errorf("no task for status %s", j.Status)
	}
	task := Task{Kind: kind, JobID: j.ID}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}

	s.logger.Info("ジョブを再開しました", "jobID", j.ID, "status", j.Status, "task", kind)
	return []Task{task}, nil
}

func (s *Service) resumePolls(ctx context.Context, j *job.Job) ([]Task, error) {
	outs, err := s.repo.ListRenderOutputs(ctx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list render outputs: %w", err)
	}

	var tasks []Task
	for _, out := range outs {
		if out.Status.IsTerminal() || !out.HasHandle() {
			continue
		}
		task := s.pollTask(out)
		if err := s.queue.Enqueue(ctx, task); err != nil {
			return tasks, fmt.Errorf("failed to enqueue poll: %w", err)
		}
		tasks = append(tasks, task)
	}

	s.logger.Info("ポーリングを再開しました", "jobID", j.ID, "renders", len(tasks))
	return tasks, nil
}

// RepollRender は RenderOutput のポーリングを新しい待機予算で始め直す
func (s *Service) RepollRender(ctx context.Context, jobID, renderID uuid.UUID) (*Task, error) {
	out, err := s.repo.GetRenderOutput(ctx, renderID)
	if err != nil {
		return nil, err
	}
	if out.JobID != jobID {
		return nil, job.ErrRenderOutputNotFound
	}
	if out.Status.IsTerminal() {
		return nil, job.NewValidationError("status", fmt.Sprintf("render is already %s", out.Status))
	}
	if !out.HasHandle() {
		return nil, job.NewValidationError("status", "render has not been submitted")
	}

	task := s.pollTask(out)
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to enqueue poll: %w", err)
	}
	return &task, nil
}

func (s *Service) pollTask(out *job.RenderOutput) Task {
	return Task{
		Kind:           TaskPollRender,
		JobID:          out.JobID,
		RenderOutputID: out.ID,
		StartedAt:      s.now(),
	}
}
