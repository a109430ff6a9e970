package job

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStatusStore はメモリ上で条件付き更新を再現する StatusStore
type stubStatusStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

func newStubStatusStore(jobs ...*Job) *stubStatusStore {
	s := &stubStatusStore{jobs: make(map[uuid.UUID]*Job)}
	for _, j := range jobs {
		cp := *j
		s.jobs[j.ID] = &cp
	}
	return s
}

func (s *stubStatusStore) GetJob(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *stubStatusStore) CompareAndSetStatus(_ context.Context, id uuid.UUID, expected, next Status, errorMessage *string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != expected {
		return nil, ErrStatusConflict
	}
	j.Status = next
	j.ErrorMessage = nil
	if next == StatusFailed {
		j.ErrorMessage = errorMessage
	}
	if next == StatusCompleted {
		now := time.Now()
		j.CompletedAt = &now
	}
	cp := *j
	return &cp, nil
}

func (s *stubStatusStore) setStatus(id uuid.UUID, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = st
}

func newTestMachine(store StatusStore) *StateMachine {
	return NewStateMachine(store, WithMachineLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestStatus_Successor(t *testing.T) {
	tests := []struct {
		from Status
		want Status
		ok   bool
	}{
		{StatusPending, StatusPreprocessing, true},
		{StatusPreprocessing, StatusTranscribing, true},
		{StatusTranscribing, StatusAnalyzing, true},
		{StatusAnalyzing, StatusClipping, true},
		{StatusClipping, StatusCompleted, true},
		{StatusCompleted, "", false},
		{StatusFailed, "", false},
		{Status("bogus"), "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			got, ok := tt.from.Successor()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusPreprocessing))
	assert.True(t, CanTransition(StatusClipping, StatusCompleted))
	assert.True(t, CanTransition(StatusAnalyzing, StatusFailed))
	assert.True(t, CanTransition(StatusPending, StatusFailed))

	assert.False(t, CanTransition(StatusPending, StatusTranscribing), "ステージの飛ばしは不可")
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusAnalyzing, StatusTranscribing), "逆行は不可")
	assert.False(t, CanTransition(StatusCompleted, StatusFailed))
	assert.False(t, CanTransition(StatusFailed, StatusFailed))
}

func TestCanTransition_AllSequencesPassThroughEveryStage(t *testing.T) {
	all := []Status{
		StatusPending, StatusPreprocessing, StatusTranscribing, StatusAnalyzing,
		StatusClipping, StatusCompleted, StatusFailed,
	}

	// pending から到達可能な遷移だけで completed までの経路を全探索する
	var walk func(path []Status)
	var completedPaths [][]Status
	walk = func(path []Status) {
		last := path[len(path)-1]
		if last == StatusCompleted {
			completedPaths = append(completedPaths, path)
			return
		}
		for _, next := range all {
			if CanTransition(last, next) {
				walk(append(append([]Status{}, path...), next))
			}
		}
	}
	walk([]Status{StatusPending})

	require.Len(t, completedPaths, 1)
	assert.Equal(t, []Status{
		StatusPending, StatusPreprocessing, StatusTranscribing,
		StatusAnalyzing, StatusClipping, StatusCompleted,
	}, completedPaths[0])
}

func TestCanTransitionRender(t *testing.T) {
	assert.True(t, CanTransitionRender(RenderPending, RenderProcessing))
	assert.True(t, CanTransitionRender(RenderProcessing, RenderCompleted))
	assert.True(t, CanTransitionRender(RenderProcessing, RenderFailed))

	assert.False(t, CanTransitionRender(RenderPending, RenderCompleted))
	assert.False(t, CanTransitionRender(RenderPending, RenderFailed))
	assert.False(t, CanTransitionRender(RenderCompleted, RenderFailed))
	assert.False(t, CanTransitionRender(RenderFailed, RenderProcessing))
}

func TestStateMachine_Advance(t *testing.T) {
	ctx := context.Background()
	j := &Job{ID: uuid.New(), Status: StatusPending}
	store := newStubStatusStore(j)
	m := newTestMachine(store)

	updated, err := m.Advance(ctx, j, StatusPreprocessing)
	require.NoError(t, err)
	assert.Equal(t, StatusPreprocessing, updated.Status)
	assert.Nil(t, updated.ErrorMessage)

	stored, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPreprocessing, stored.Status)
}

func TestStateMachine_Advance_RejectsNonSuccessor(t *testing.T) {
	ctx := context.Background()
	j := &Job{ID: uuid.New(), Status: StatusPending}
	m := newTestMachine(newStubStatusStore(j))

	_, err := m.Advance(ctx, j, StatusAnalyzing)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.Advance(ctx, j, StatusFailed)
	require.ErrorIs(t, err, ErrInvalidTransition, "failed への遷移は Fail を使う")
}

func TestStateMachine_Advance_ConcurrentRetriesAdvanceOnce(t *testing.T) {
	ctx := context.Background()
	j := &Job{ID: uuid.New(), Status: StatusTranscribing}
	store := newStubStatusStore(j)
	m := newTestMachine(store)

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, rejected int

	wg.Add(racers)
	for range racers {
		go func() {
			defer wg.Done()
			local := *j
			_, err := m.Advance(ctx, &local, StatusAnalyzing)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if assert.ErrorIs(t, err, ErrInvalidTransition) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, racers-1, rejected)
}

func TestStateMachine_Fail(t *testing.T) {
	ctx := context.Background()
	j := &Job{ID: uuid.New(), Status: StatusAnalyzing}
	store := newStubStatusStore(j)
	m := newTestMachine(store)

	failed, err := m.Fail(ctx, j, "analysis returned no valid segments")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "analysis returned no valid segments", *failed.ErrorMessage)

	// 再度失敗させても何も変わらない
	again, err := m.Fail(ctx, failed, "second reason")
	require.NoError(t, err)
	assert.Equal(t, "analysis returned no valid segments", *again.ErrorMessage)
}

func TestStateMachine_Fail_ReloadsOnConflict(t *testing.T) {
	ctx := context.Background()
	j := &Job{ID: uuid.New(), Status: StatusPreprocessing}
	store := newStubStatusStore(j)
	m := newTestMachine(store)

	// 呼び出し側の持つ状態が古い
	store.setStatus(j.ID, StatusTranscribing)

	failed, err := m.Fail(ctx, j, "transcription failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
}

func TestStateMachine_Fail_CompletedJob(t *testing.T) {
	ctx := context.Background()
	j := &Job{ID: uuid.New(), Status: StatusCompleted}
	m := newTestMachine(newStubStatusStore(j))

	_, err := m.Fail(ctx, j, "too late")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDetectMediaKind(t *testing.T) {
	kind, err := DetectMediaKind("Episode.MP4")
	require.NoError(t, err)
	assert.Equal(t, MediaKindVideo, kind)

	kind, err = DetectMediaKind("podcast.flac")
	require.NoError(t, err)
	assert.Equal(t, MediaKindAudio, kind)

	_, err = DetectMediaKind("notes.txt")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestConfig_WithDefaultsAndValidate(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, DefaultNumSegments, cfg.NumSegments)
	assert.Equal(t, DefaultMaxDurationSeconds, cfg.MaxDurationSeconds)
	require.NoError(t, cfg.Validate())

	assert.Error(t, Config{NumSegments: 21, MaxDurationSeconds: 300}.Validate())
	assert.Error(t, Config{NumSegments: 3, MaxDurationSeconds: 30, MinDurationSeconds: 60}.Validate())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient("render.submit", assert.AnError)))
	assert.False(t, IsTransient(Permanent("render.submit", assert.AnError)))
	assert.True(t, IsTransient(NewStorageError("get", "audio/x", assert.AnError)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(NewValidationError("key", "missing")))
	assert.False(t, IsTransient(assert.AnError))
}
