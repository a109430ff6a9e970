package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
	"golang.org/x/sync/errgroup"
)

// ErrNoAudioStream は動画に音声トラックがない場合のエラー
var ErrNoAudioStream = errors.New("media has no audio stream")

// PreprocessStage は動画から音声を抽出して保存する
// 音声入力はそのまま次のステージへ渡す
type PreprocessStage struct {
	repo      job.Repository
	store     ObjectStore
	extractor AudioExtractor
	workDir   string
	logger    *slog.Logger
}

// NewPreprocessStage は PreprocessStage を作成する
// workDir が空のときは OS の一時ディレクトリを使う
func NewPreprocessStage(repo job.Repository, store ObjectStore, extractor AudioExtractor, workDir string, logger *slog.Logger) *PreprocessStage {
	return &PreprocessStage{
		repo:      repo,
		store:     store,
		extractor: extractor,
		workDir:   workDir,
		logger:    logger,
	}
}

// Run は前処理を実行する
func (s *PreprocessStage) Run(ctx context.Context, j *job.Job) error {
	if j.AudioKey != nil && *j.AudioKey != "" {
		s.logger.Info("音声は抽出済みです", "jobID", j.ID, "audioKey", *j.AudioKey)
		return nil
	}

	if j.MediaKind == job.MediaKindAudio {
		if err := s.repo.SetAudioKey(ctx, j.ID, j.OriginalKey); err != nil {
			return fmt.Errorf("failed to record audio key: %w", err)
		}
		return nil
	}

	dir, err := os.MkdirTemp(s.workDir, "clipline-"+j.ID.String()+"-")
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input"+path.Ext(j.OriginalKey))
	if err := s.store.Download(ctx, j.OriginalKey, inputPath); err != nil {
		return job.NewStorageError("download", j.OriginalKey, err)
	}

	probe, err := s.extractor.Probe(ctx, inputPath)
	if err != nil {
		return job.Permanent("probe", err)
	}
	if !probe.HasAudio {
		return job.Permanent("probe", ErrNoAudioStream)
	}
	s.logger.Info("メディアを解析しました",
		"jobID", j.ID,
		"duration", probe.DurationSeconds,
		"codec", probe.Codec,
		"hasVideo", probe.HasVideo,
	)

	outputPath := filepath.Join(dir, "audio.mp3")
	if err := s.extractor.ExtractAudio(ctx, inputPath, outputPath); err != nil {
		return job.Permanent("extract audio", err)
	}

	key := storage.AudioKey(j.ID)
	if err := s.store.Upload(ctx, key, outputPath, "audio/mpeg"); err != nil {
		return job.NewStorageError("upload", key, err)
	}
	if err := s.repo.SetAudioKey(ctx, j.ID, key); err != nil {
		return fmt.Errorf("failed to record audio key: %w", err)
	}

	s.logger.Info("音声を抽出しました", "jobID", j.ID, "audioKey", key)
	return nil
}

// TranscribeStage は抽出済み音声を文字起こしする
type TranscribeStage struct {
	repo        job.Repository
	store       ObjectStore
	transcriber Transcriber
	logger      *slog.Logger
}

// NewTranscribeStage は TranscribeStage を作成する
func NewTranscribeStage(repo job.Repository, store ObjectStore, transcriber Transcriber, logger *slog.Logger) *TranscribeStage {
	return &TranscribeStage{
		repo:        repo,
		store:       store,
		transcriber: transcriber,
		logger:      logger,
	}
}

// Run は文字起こしを実行する
func (s *TranscribeStage) Run(ctx context.Context, j *job.Job) error {
	if j.Transcript != nil {
		s.logger.Info("文字起こしは完了済みです", "jobID", j.ID)
		return nil
	}

	key := j.CurrentInputKey()
	body, err := s.store.Open(ctx, key)
	if err != nil {
		return job.NewStorageError("open", key, err)
	}
	defer body.Close()

	transcript, err := s.transcriber.Transcribe(ctx, TranscriptionInput{
		Filename: path.Base(key),
		Body:     body,
	})
	if err != nil {
		return err
	}

	if err := s.repo.SetTranscript(ctx, j.ID, transcript); err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	j.Transcript = transcript

	s.logger.Info("文字起こしが完了しました",
		"jobID", j.ID,
		"words", len(transcript.Words),
		"language", transcript.Metadata.Language,
		"duration", transcript.Metadata.Duration,
	)
	return nil
}

// AnalyzeStage は文字起こしから切り抜き区間を選ぶ
type AnalyzeStage struct {
	repo     job.Repository
	analyzer Analyzer
	policy   AnalysisPolicy
	logger   *slog.Logger
}

// NewAnalyzeStage は AnalyzeStage を作成する
func NewAnalyzeStage(repo job.Repository, analyzer Analyzer, policy AnalysisPolicy, logger *slog.Logger) *AnalyzeStage {
	return &AnalyzeStage{
		repo:     repo,
		analyzer: analyzer,
		policy:   policy,
		logger:   logger,
	}
}

// Run は解析を実行し、セグメントを保存する
func (s *AnalyzeStage) Run(ctx context.Context, j *job.Job) error {
	existing, err := s.repo.ListSegments(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}
	if len(existing) > 0 {
		s.logger.Info("セグメントは作成済みです", "jobID", j.ID, "segments", len(existing))
		return nil
	}

	if j.Transcript == nil {
		return job.Permanent("analyze", errors.New("transcript is missing"))
	}

	cfg := j.Config.WithDefaults()
	candidates, err := s.analyzer.Analyze(ctx, AnalysisRequest{
		Transcript:         j.Transcript,
		DurationSeconds:    j.Transcript.Metadata.Duration,
		NumSegments:        cfg.NumSegments,
		MinDurationSeconds: cfg.MinDurationSeconds,
		MaxDurationSeconds: cfg.MaxDurationSeconds,
		CustomInstructions: cfg.CustomInstructions,
	})
	if err != nil {
		return err
	}

	segments, err := SelectSegments(j.ID, candidates, cfg, j.Transcript.Metadata.Duration, s.policy, s.logger)
	if err != nil {
		return err
	}

	if err := s.repo.CreateSegments(ctx, j.ID, segments); err != nil {
		if errors.Is(err, job.ErrSegmentsExist) {
			return nil
		}
		return fmt.Errorf("failed to save segments: %w", err)
	}

	s.logger.Info("セグメントを作成しました",
		"jobID", j.ID,
		"candidates", len(candidates),
		"segments", len(segments),
	)
	return nil
}

// ClipConfig はクリップステージの設定
type ClipConfig struct {
	Concurrency     int
	PollInterval    time.Duration
	SourceURLExpiry time.Duration
}

// DefaultClipConfig は既定の設定を返す
func DefaultClipConfig() ClipConfig {
	return ClipConfig{
		Concurrency:     3,
		PollInterval:    10 * time.Second,
		SourceURLExpiry: 6 * time.Hour,
	}
}

// ClipStage はセグメントごとにレンダリングを投入し、ポーリングを予約する
type ClipStage struct {
	repo     job.Repository
	store    ObjectStore
	renderer Renderer
	queue    TaskQueue
	config   ClipConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewClipStage は ClipStage を作成する
func NewClipStage(repo job.Repository, store ObjectStore, renderer Renderer, queue TaskQueue, cfg ClipConfig, logger *slog.Logger) *ClipStage {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &ClipStage{
		repo:     repo,
		store:    store,
		renderer: renderer,
		queue:    queue,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run は全セグメントのレンダリングを投入する
// 投入（完了ではなく）がすべて成功した時点で成功とする
func (s *ClipStage) Run(ctx context.Context, j *job.Job) error {
	segments, err := s.repo.ListSegments(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}
	if len(segments) == 0 {
		return job.Permanent("clip", errors.New("job has no segments"))
	}

	sourceURL, err := s.store.PresignGet(ctx, j.OriginalKey, s.config.SourceURLExpiry)
	if err != nil {
		return job.NewStorageError("presign", j.OriginalKey, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, seg := range segments {
		g.Go(func() error {
			return s.submit(gctx, j, seg, sourceURL)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("全セグメントのレンダリングを投入しました", "jobID", j.ID, "segments", len(segments))
	return nil
}

func (s *ClipStage) submit(ctx context.Context, j *job.Job, seg *job.Segment, sourceURL string) error {
	out, err := s.renderOutputFor(ctx, j, seg)
	if err != nil {
		return err
	}
	if out.Status.IsTerminal() {
		return nil
	}
	if out.HasHandle() {
		// 前回の試行で投入済み。ポーリングの予約が漏れていても拾えるよう再予約する
		// 待機時間の予算はハンドルを保存した時刻から数える
		return s.schedulePoll(ctx, out, submittedAt(out, s.now()))
	}

	if out.Status == job.RenderPending {
		out, err = s.repo.TransitionRenderOutput(ctx, out.ID, job.RenderPending, job.RenderProcessing, job.RenderUpdate{})
		if err != nil {
			if errors.Is(err, job.ErrStatusConflict) {
				// 並行して届いた同じタスクが投入を担当している
				return nil
			}
			return fmt.Errorf("failed to mark render output processing: %w", err)
		}
	}

	handle, err := s.renderer.Submit(ctx, RenderRequest{
		SourceURL:    sourceURL,
		MediaKind:    j.MediaKind,
		StartSeconds: seg.StartSeconds,
		EndSeconds:   seg.EndSeconds,
		Title:        seg.Title,
	})
	if err != nil {
		return err
	}

	if err := s.repo.SetRenderHandle(ctx, out.ID, handle); err != nil {
		return fmt.Errorf("failed to save render handle: %w", err)
	}
	out.RenderHandle = &handle

	s.logger.Info("レンダリングを投入しました",
		"jobID", j.ID,
		"segmentID", seg.ID,
		"renderID", out.ID,
		"handle", handle,
	)
	return s.schedulePoll(ctx, out, s.now())
}

func (s *ClipStage) renderOutputFor(ctx context.Context, j *job.Job, seg *job.Segment) (*job.RenderOutput, error) {
	found, err := s.repo.FindRenderOutputBySegment(ctx, seg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find render output: %w", err)
	}
	if out, ok := found.Get(); ok {
		return out, nil
	}

	out := &job.RenderOutput{
		SegmentID: seg.ID,
		JobID:     j.ID,
		Status:    job.RenderPending,
	}
	if err := s.repo.CreateRenderOutput(ctx, out); err != nil {
		if !errors.Is(err, job.ErrRenderOutputExists) {
			return nil, fmt.Errorf("failed to create render output: %w", err)
		}
		found, err := s.repo.FindRenderOutputBySegment(ctx, seg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to find render output: %w", err)
		}
		existing, ok := found.Get()
		if !ok {
			return nil, fmt.Errorf("render output for segment %s vanished", seg.ID)
		}
		return existing, nil
	}
	return out, nil
}

func (s *ClipStage) schedulePoll(ctx context.Context, out *job.RenderOutput, startedAt time.Time) error {
	task := Task{
		Kind:           TaskPollRender,
		JobID:          out.JobID,
		RenderOutputID: out.ID,
		StartedAt:      startedAt,
	}
	if err := s.queue.EnqueueAfter(ctx, task, s.config.PollInterval); err != nil {
		return job.Transient("schedule poll", err)
	}
	return nil
}

// submittedAt は投入済み RenderOutput のポーリング開始時刻
// ハンドル保存後は終端に遷移するまで更新されないため UpdatedAt を投入時刻とみなす
func submittedAt(out *job.RenderOutput, now time.Time) time.Time {
	if out.UpdatedAt.IsZero() || out.UpdatedAt.After(now) {
		return now
	}
	return out.UpdatedAt
}

// OnFailure は投入できなかった RenderOutput を failed にする
// 投入済みのものはポーリングに任せる
func (s *ClipStage) OnFailure(ctx context.Context, j *job.Job, cause error) {
	outs, err := s.repo.ListRenderOutputs(ctx, j.ID)
	if err != nil {
		s.logger.Warn("RenderOutput の取得に失敗しました", "jobID", j.ID, "error", err)
		return
	}

	reason := "render was not submitted: " + cause.Error()
	for _, out := range outs {
		if out.Status.IsTerminal() || out.HasHandle() {
			continue
		}
		if out.Status == job.RenderPending {
			if _, err := s.repo.TransitionRenderOutput(ctx, out.ID, job.RenderPending, job.RenderProcessing, job.RenderUpdate{}); err != nil {
				s.logger.Warn("RenderOutput の更新に失敗しました", "renderID", out.ID, "error", err)
				continue
			}
		}
		if _, err := s.repo.TransitionRenderOutput(ctx, out.ID, job.RenderProcessing, job.RenderFailed, job.RenderUpdate{ErrorMessage: &reason}); err != nil {
			s.logger.Warn("RenderOutput の更新に失敗しました", "renderID", out.ID, "error", err)
		}
	}
}
