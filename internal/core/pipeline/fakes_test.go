package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/lifecycle"
	"github.com/jinford/clipline/internal/core/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type delayedTask struct {
	task  Task
	delay time.Duration
}

// fakeQueue は投入されたタスクを記録する
type fakeQueue struct {
	mu      sync.Mutex
	pending []Task
	delayed []delayedTask
	err     error
}

func (q *fakeQueue) Enqueue(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.pending = append(q.pending, task)
	return nil
}

func (q *fakeQueue) EnqueueAfter(_ context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.delayed = append(q.delayed, delayedTask{task: task, delay: delay})
	return nil
}

func (q *fakeQueue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Task{}, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t, true
}

func (q *fakeQueue) takeDelayed() []delayedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.delayed
	q.delayed = nil
	return d
}

func (q *fakeQueue) kinds() []TaskKind {
	q.mu.Lock()
	defer q.mu.Unlock()
	kinds := make([]TaskKind, 0, len(q.pending))
	for _, t := range q.pending {
		kinds = append(kinds, t.Kind)
	}
	return kinds
}

type storedObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

// fakeStore はメモリ上のオブジェクトストア
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]storedObject
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]storedObject)}
}

func (s *fakeStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string, metadata map[string]string) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = storedObject{data: data, contentType: contentType, metadata: metadata}
	return nil
}

func (s *fakeStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *fakeStore) Download(_ context.Context, key, localPath string) error {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return storage.ErrObjectNotFound
	}
	return os.WriteFile(localPath, obj.data, 0o600)
}

func (s *fakeStore) Upload(_ context.Context, key, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = storedObject{data: data, contentType: contentType}
	return nil
}

func (s *fakeStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType, UserMetadata: obj.metadata}, nil
}

func (s *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://store.test/" + key + "?sig=1", nil
}

func (s *fakeStore) get(key string) (storedObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

func (s *fakeStore) seed(key string, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = storedObject{data: []byte(data)}
}

type fakeExtractor struct {
	probe      *MediaProbe
	extractErr error
	extracted  int
}

func (e *fakeExtractor) Probe(_ context.Context, _ string) (*MediaProbe, error) {
	if e.probe == nil {
		return &MediaProbe{DurationSeconds: 600, Codec: "h264", HasAudio: true, HasVideo: true}, nil
	}
	return e.probe, nil
}

func (e *fakeExtractor) ExtractAudio(_ context.Context, inputPath, outputPath string) error {
	e.extracted++
	if e.extractErr != nil {
		return e.extractErr
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append([]byte("audio:"), data...), 0o600)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*job.Transcript, error)
}

func (t *fakeTranscriber) Transcribe(_ context.Context, input TranscriptionInput) (*job.Transcript, error) {
	t.mu.Lock()
	t.calls++
	call := t.calls
	t.mu.Unlock()
	if _, err := io.ReadAll(input.Body); err != nil {
		return nil, err
	}
	return t.fn(call)
}

type fakeAnalyzer struct {
	calls      int
	candidates []Candidate
	err        error
	lastReq    AnalysisRequest
}

func (a *fakeAnalyzer) Analyze(_ context.Context, req AnalysisRequest) ([]Candidate, error) {
	a.calls++
	a.lastReq = req
	if a.err != nil {
		return nil, a.err
	}
	return a.candidates, nil
}

// fakeRenderer は投入を記録し、状態を handle ごとに返す
type fakeRenderer struct {
	mu        sync.Mutex
	calls     int
	submitted []RenderRequest
	submitErr func(call int) error
	reports   map[string]*RenderReport
	statusErr error
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{reports: make(map[string]*RenderReport)}
}

func (r *fakeRenderer) Submit(_ context.Context, req RenderRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	n := r.calls
	if r.submitErr != nil {
		if err := r.submitErr(n); err != nil {
			return "", err
		}
	}
	r.submitted = append(r.submitted, req)
	return fmt.Sprintf("render-%d", n), nil
}

func (r *fakeRenderer) Status(_ context.Context, handle string) (*RenderReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statusErr != nil {
		return nil, r.statusErr
	}
	report, ok := r.reports[handle]
	if !ok {
		return &RenderReport{State: RenderStateInProgress}, nil
	}
	return report, nil
}

func (r *fakeRenderer) setReport(handle string, report *RenderReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[handle] = report
}

func (r *fakeRenderer) submissions() []RenderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RenderRequest(nil), r.submitted...)
}

type fakeDownloader struct {
	urls []string
	err  error
}

func (d *fakeDownloader) Download(_ context.Context, url string) (io.ReadCloser, int64, error) {
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, 0, d.err
	}
	body := "mp4:" + url
	return io.NopCloser(strings.NewReader(body)), int64(len(body)), nil
}

type fakeReclaimer struct {
	mu   sync.Mutex
	jobs []uuid.UUID
	err  error
}

func (r *fakeReclaimer) ReclaimJob(_ context.Context, jobID uuid.UUID) (*lifecycle.ReclaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.jobs = append(r.jobs, jobID)
	return &lifecycle.ReclaimResult{JobID: jobID}, nil
}

var errBoom = errors.New("boom")

func noSleep(context.Context, time.Duration) error { return nil }
