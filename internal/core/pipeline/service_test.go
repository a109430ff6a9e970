package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/job/jobtest"
	"github.com/jinford/clipline/internal/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_CreateJob_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params CreateJobParams
	}{
		{name: "missing key", params: CreateJobParams{}},
		{name: "unknown extension", params: CreateJobParams{OriginalKey: "uploads/x/notes.txt"}},
		{name: "too many segments", params: CreateJobParams{OriginalKey: "uploads/x/a.mp4", Config: job.Config{NumSegments: 21}}},
		{name: "unknown media kind", params: CreateJobParams{OriginalKey: "uploads/x/a.bin", MediaKind: "image"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.service.CreateJob(context.Background(), tt.params)
			require.Error(t, err)
			assert.True(t, job.IsValidation(err))
			assert.Empty(t, h.queue.kinds(), "検証エラーでは副作用を起こさない")
		})
	}
}

func TestService_CreateJob_EnqueueFailureKeepsJob(t *testing.T) {
	h := newHarness(t)
	h.queue.err = errors.New("channel closed")

	j, err := h.service.CreateJob(context.Background(), CreateJobParams{OriginalKey: "uploads/x/a.mp4"})
	require.Error(t, err)
	require.NotNil(t, j)

	stored, err := h.repo.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPreprocessing, stored.Status)
}

func TestService_UploadAndCreateJob_RejectsOversize(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.repo, h.machine, h.queue, h.store, WithServiceLogger(discardLogger()), WithMaxFileSize(4))

	_, err := svc.UploadAndCreateJob(context.Background(), "a.mp4", strings.NewReader("media"), 5, job.Config{})
	require.Error(t, err)
	assert.True(t, job.IsValidation(err))
	assert.Empty(t, h.store.objects)
}

func TestService_FinalizeJobFromUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	jobID := uuid.New()
	key := storage.UploadKey(jobID, "talk.mov")

	_, err := h.service.FinalizeJobFromUpload(ctx, jobID, key, job.Config{})
	require.Error(t, err)
	assert.True(t, job.IsValidation(err), "存在しないオブジェクトは入力エラー")

	_, err = h.service.FinalizeJobFromUpload(ctx, jobID, storage.UploadKey(uuid.New(), "talk.mov"), job.Config{})
	require.Error(t, err)
	assert.True(t, job.IsValidation(err))

	h.store.seed(key, "media")
	j, err := h.service.FinalizeJobFromUpload(ctx, jobID, key, job.Config{NumSegments: 2})
	require.NoError(t, err)
	assert.Equal(t, jobID, j.ID)
	assert.Equal(t, job.MediaKindVideo, j.MediaKind)
	assert.Equal(t, 2, j.Config.NumSegments)
	assert.Equal(t, []TaskKind{TaskPreprocess}, h.queue.kinds())
}

func TestService_GetJobStatusAndClips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	j := jobtest.TestJob(job.MediaKindVideo, job.StatusCompleted)
	h.repo.PutJob(j)
	done := jobtest.TestSegment(j.ID, 1, 0, 30)
	failed := jobtest.TestSegment(j.ID, 2, 40, 70)
	waiting := jobtest.TestSegment(j.ID, 3, 80, 90)
	require.NoError(t, h.repo.CreateSegments(ctx, j.ID, []*job.Segment{done, failed, waiting}))

	doneOut := jobtest.TestRenderOutput(j.ID, done.ID, "r1")
	doneOut.Status = job.RenderCompleted
	doneKey := storage.ClipKey(j.ID, done.ID)
	doneOut.OutputKey = &doneKey
	failedOut := jobtest.TestRenderOutput(j.ID, failed.ID, "r2")
	failedOut.Status = job.RenderFailed
	h.repo.PutRenderOutput(doneOut)
	h.repo.PutRenderOutput(failedOut)

	status, err := h.service.GetJobStatus(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status.Job.Status)
	require.Len(t, status.Segments, 3)
	assert.Equal(t, job.RenderCompleted, status.Segments[0].Render.Status)
	assert.Equal(t, job.RenderFailed, status.Segments[1].Render.Status)
	assert.Nil(t, status.Segments[2].Render)

	clips, err := h.service.ListCompletedClips(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Equal(t, done.ID, clips[0].SegmentID)
	assert.Equal(t, doneKey, clips[0].OutputKey)
	assert.Contains(t, clips[0].URL, doneKey)
}

func TestService_GetJobStatus_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.GetJobStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestService_ResumeJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	transcribing := jobtest.TestJob(job.MediaKindAudio, job.StatusTranscribing)
	h.repo.PutJob(transcribing)
	tasks, err := h.service.ResumeJob(ctx, transcribing.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskTranscribe, tasks[0].Kind)

	pending := jobtest.TestJob(job.MediaKindAudio, job.StatusPending)
	h.repo.PutJob(pending)
	tasks, err = h.service.ResumeJob(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPreprocess, tasks[0].Kind)
	reloaded, err := h.repo.GetJob(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPreprocessing, reloaded.Status)

	failed := jobtest.TestJob(job.MediaKindAudio, job.StatusFailed)
	h.repo.PutJob(failed)
	_, err = h.service.ResumeJob(ctx, failed.ID)
	assert.True(t, job.IsValidation(err))
}

func TestService_ResumeCompletedJobRepollsRenders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j, out := seedRender(t, h)

	tasks, err := h.service.ResumeJob(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskPollRender, tasks[0].Kind)
	assert.Equal(t, out.ID, tasks[0].RenderOutputID)
	assert.Equal(t, h.now, tasks[0].StartedAt)
}

func TestService_RepollRender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j, out := seedRender(t, h)

	task, err := h.service.RepollRender(ctx, j.ID, out.ID)
	require.NoError(t, err)
	assert.Equal(t, out.ID, task.RenderOutputID)

	_, err = h.service.RepollRender(ctx, uuid.New(), out.ID)
	assert.ErrorIs(t, err, job.ErrRenderOutputNotFound)
}
