package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore はマルチパートの状態をメモリで再現する Store
type fakeStore struct {
	mu       sync.Mutex
	nextID   int
	uploads  map[string]string // uploadID -> key
	objects  map[string][]storage.CompletedPart
	aborted  []string
	baseURL  string
	failInit error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		uploads: make(map[string]string),
		objects: make(map[string][]storage.CompletedPart),
		baseURL: "https://store.example/bucket",
	}
}

func (s *fakeStore) NewMultipartUpload(_ context.Context, key, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInit != nil {
		return "", s.failInit
	}
	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = key
	return id, nil
}

func (s *fakeStore) PresignUploadPart(_ context.Context, key, uploadID string, partNumber int, _ time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s?uploadId=%s&partNumber=%d", s.baseURL, key, uploadID, partNumber), nil
}

func (s *fakeStore) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s?X-Amz-Signature=sig", s.baseURL, key), nil
}

func (s *fakeStore) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []storage.CompletedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads[uploadID] != key {
		return errors.New("NoSuchUpload")
	}
	delete(s.uploads, uploadID)
	s.objects[key] = parts
	return nil
}

func (s *fakeStore) AbortMultipartUpload(_ context.Context, _ string, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	s.aborted = append(s.aborted, uploadID)
	return nil
}

func (s *fakeStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

// memorySessions はメモリ上の SessionStore
type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttls     map[string]time.Duration
}

func newMemorySessions() *memorySessions {
	return &memorySessions{
		sessions: make(map[string]Session),
		ttls:     make(map[string]time.Duration),
	}
}

func (m *memorySessions) Save(_ context.Context, s *Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UploadID] = *s
	m.ttls[s.UploadID] = ttl
	return nil
}

func (m *memorySessions) Get(_ context.Context, uploadID string) (mo.Option[*Session], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uploadID]
	if !ok {
		return mo.None[*Session](), nil
	}
	return mo.Some(&s), nil
}

func (m *memorySessions) Delete(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, uploadID)
	return nil
}

func newTestCoordinator(store Store, sessions SessionStore) *Coordinator {
	return NewCoordinator(store, sessions, DefaultConfig(),
		WithCoordinatorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func partsFor(numbers ...int) []Part {
	parts := make([]Part, 0, len(numbers))
	for _, n := range numbers {
		parts = append(parts, Part{PartNumber: n, ETag: fmt.Sprintf(`"etag-%d"`, n)})
	}
	return parts
}

func TestCoordinator_Initiate_NumParts(t *testing.T) {
	ctx := context.Background()
	sessions := newMemorySessions()
	c := newTestCoordinator(newFakeStore(), sessions)

	session, err := c.Initiate(ctx, InitiateParams{
		Key:         "uploads/job/talk.mp4",
		Size:        520_000_000,
		ContentType: "video/mp4",
		PartSize:    200_000_000,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, session.NumParts)
	assert.Equal(t, "upload-1", session.UploadID)
	assert.Equal(t, DefaultSessionTTL, sessions.ttls[session.UploadID])
}

func TestCoordinator_Initiate_DefaultPartSize(t *testing.T) {
	c := newTestCoordinator(newFakeStore(), newMemorySessions())

	session, err := c.Initiate(context.Background(), InitiateParams{Key: "uploads/job/a.mp4", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, DefaultPartSize, session.PartSize)
	assert.Equal(t, 1, session.NumParts)
	assert.Equal(t, "application/octet-stream", session.ContentType)
}

func TestCoordinator_Initiate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params InitiateParams
	}{
		{name: "part size below minimum", params: InitiateParams{Key: "k", Size: 100, PartSize: MinPartSize - 1}},
		{name: "zero size", params: InitiateParams{Key: "k", Size: 0, PartSize: MinPartSize}},
		{name: "too large", params: InitiateParams{Key: "k", Size: DefaultMaxSize + 1, PartSize: DefaultPartSize}},
		{name: "missing key", params: InitiateParams{Key: " ", Size: 100, PartSize: MinPartSize}},
		{name: "too many parts", params: InitiateParams{Key: "k", Size: MinPartSize * (MaxParts + 1), PartSize: MinPartSize}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			c := newTestCoordinator(store, newMemorySessions())

			_, err := c.Initiate(context.Background(), tt.params)
			require.Error(t, err)
			assert.True(t, job.IsValidation(err))
			assert.Empty(t, store.uploads, "検証エラーでは副作用を起こさない")
		})
	}
}

func TestCoordinator_PresignPut(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewCoordinator(newFakeStore(), newMemorySessions(), DefaultConfig(),
		WithCoordinatorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithCoordinatorClock(func() time.Time { return now }),
	)

	put, err := c.PresignPut(context.Background(), "uploads/j/clip.mp3", MinPartSize-1)
	require.NoError(t, err)
	assert.Equal(t, "uploads/j/clip.mp3", put.Key)
	assert.Contains(t, put.URL, "/uploads/j/clip.mp3?X-Amz-Signature=")
	assert.Equal(t, now.Add(DefaultURLExpiry), put.ExpiresAt)
}

func TestCoordinator_PresignPut_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		size int64
	}{
		{name: "at part minimum", key: "uploads/j/a.mp4", size: MinPartSize},
		{name: "zero size", key: "uploads/j/a.mp4", size: 0},
		{name: "outside uploads", key: "clips/j/s/clip.mp4", size: 100},
		{name: "bare prefix", key: "uploads/", size: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCoordinator(newFakeStore(), newMemorySessions())

			_, err := c.PresignPut(context.Background(), tt.key, tt.size)
			require.Error(t, err)
			assert.True(t, job.IsValidation(err))
		})
	}
}

func TestCoordinator_PresignParts(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(newFakeStore(), newMemorySessions())
	session, err := c.Initiate(ctx, InitiateParams{Key: "uploads/j/a.mp4", Size: 520_000_000, PartSize: 200_000_000})
	require.NoError(t, err)

	urls, err := c.PresignParts(ctx, session.UploadID, session.Key, []int{2, 3})
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Equal(t, 2, urls[0].PartNumber)
	assert.Contains(t, urls[0].URL, "partNumber=2")
	assert.Contains(t, urls[1].URL, "partNumber=3")

	_, err = c.PresignParts(ctx, session.UploadID, session.Key, []int{4})
	assert.True(t, job.IsValidation(err))

	_, err = c.PresignParts(ctx, session.UploadID, session.Key, []int{1, 1})
	assert.True(t, job.IsValidation(err))

	_, err = c.PresignParts(ctx, session.UploadID, "uploads/other/a.mp4", []int{1})
	assert.True(t, job.IsValidation(err))

	_, err = c.PresignParts(ctx, "unknown", session.Key, []int{1})
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestCoordinator_Complete(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sessions := newMemorySessions()
	c := newTestCoordinator(store, sessions)

	session, err := c.Initiate(ctx, InitiateParams{Key: "uploads/j/a.mp4", Size: 520_000_000, PartSize: 200_000_000})
	require.NoError(t, err)

	require.NoError(t, c.Complete(ctx, session.UploadID, session.Key, partsFor(1, 2, 3)))
	assert.True(t, store.Exists(session.Key))
	assert.Equal(t, []storage.CompletedPart{
		{PartNumber: 1, ETag: "etag-1"},
		{PartNumber: 2, ETag: "etag-2"},
		{PartNumber: 3, ETag: "etag-3"},
	}, store.objects[session.Key])

	_, ok := sessions.sessions[session.UploadID]
	assert.False(t, ok, "完了後はセッションを削除する")
}

func TestCoordinator_Complete_IncompleteUpload(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	c := newTestCoordinator(store, newMemorySessions())
	session, err := c.Initiate(ctx, InitiateParams{Key: "uploads/j/a.mp4", Size: 520_000_000, PartSize: 200_000_000})
	require.NoError(t, err)

	err = c.Complete(ctx, session.UploadID, session.Key, partsFor(1, 2))
	require.ErrorIs(t, err, ErrIncompleteUpload)
	assert.False(t, store.Exists(session.Key))

	// セッションは残っており、揃えば完了できる
	require.NoError(t, c.Complete(ctx, session.UploadID, session.Key, partsFor(1, 2, 3)))
}

func TestValidateParts(t *testing.T) {
	tests := []struct {
		name    string
		parts   []Part
		wantErr error
	}{
		{name: "complete", parts: partsFor(1, 2, 3)},
		{name: "missing part", parts: partsFor(1, 2), wantErr: ErrIncompleteUpload},
		{name: "unsorted", parts: partsFor(1, 3, 2), wantErr: ErrPartsNotSorted},
		{name: "duplicate", parts: partsFor(1, 2, 2), wantErr: ErrIncompleteUpload},
		{name: "out of range", parts: partsFor(1, 2, 4), wantErr: ErrIncompleteUpload},
		{name: "starts at zero", parts: partsFor(0, 1, 2), wantErr: ErrIncompleteUpload},
		{name: "empty etag", parts: []Part{{1, "a"}, {2, `""`}, {3, "c"}}, wantErr: ErrIncompleteUpload},
		{name: "too many", parts: partsFor(1, 2, 3, 4), wantErr: ErrIncompleteUpload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateParts(tt.parts, 3)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCoordinator_Abort(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	c := newTestCoordinator(store, newMemorySessions())
	session, err := c.Initiate(ctx, InitiateParams{Key: "uploads/j/a.mp4", Size: 520_000_000, PartSize: 200_000_000})
	require.NoError(t, err)

	require.NoError(t, c.Abort(ctx, session.UploadID, session.Key))
	assert.False(t, store.Exists(session.Key))
	assert.Equal(t, []string{session.UploadID}, store.aborted)

	err = c.Complete(ctx, session.UploadID, session.Key, partsFor(1, 2, 3))
	require.ErrorIs(t, err, ErrUploadNotFound)

	// 中止済みでも再度呼び出せる
	require.NoError(t, c.Abort(ctx, session.UploadID, session.Key))
}

func TestCoordinator_Initiate_StoreFailure(t *testing.T) {
	store := newFakeStore()
	store.failInit = errors.New("connection refused")
	c := newTestCoordinator(store, newMemorySessions())

	_, err := c.Initiate(context.Background(), InitiateParams{Key: "uploads/j/a.mp4", Size: 1, PartSize: MinPartSize})
	require.Error(t, err)
	var se *job.StorageError
	assert.ErrorAs(t, err, &se)
}

func TestPlanParts(t *testing.T) {
	ranges := PlanParts(520_000_000, 200_000_000)
	require.Len(t, ranges, 3)
	assert.Equal(t, PartRange{PartNumber: 1, Offset: 0, Length: 200_000_000}, ranges[0])
	assert.Equal(t, PartRange{PartNumber: 2, Offset: 200_000_000, Length: 200_000_000}, ranges[1])
	assert.Equal(t, PartRange{PartNumber: 3, Offset: 400_000_000, Length: 120_000_000}, ranges[2])

	assert.Empty(t, PlanParts(0, 200))
}

func TestMissingParts(t *testing.T) {
	assert.Equal(t, []int{2, 4}, MissingParts(partsFor(1, 3), 4))
	assert.Equal(t, []int{1, 2}, MissingParts(nil, 2))
	assert.Equal(t, []int{2}, MissingParts([]Part{{1, "a"}, {2, ""}}, 2))
	assert.Empty(t, MissingParts(partsFor(1, 2), 2))
}
