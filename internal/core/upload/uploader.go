package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"golang.org/x/sync/errgroup"
)

// PartClient はアップローダーが呼び出すセッション操作
// Coordinator がそのまま満たす
type PartClient interface {
	Initiate(ctx context.Context, params InitiateParams) (*Session, error)
	PresignParts(ctx context.Context, uploadID, key string, partNumbers []int) ([]PartURL, error)
	Complete(ctx context.Context, uploadID, key string, parts []Part) error
	Abort(ctx context.Context, uploadID, key string) error
}

// UploaderConfig はアップローダーの設定
type UploaderConfig struct {
	Workers      int
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PresignBatch int
}

// DefaultUploaderConfig は既定の設定を返す
func DefaultUploaderConfig() UploaderConfig {
	return UploaderConfig{
		Workers:      4,
		MaxRetries:   3,
		BaseBackoff:  time.Second,
		MaxBackoff:   16 * time.Second,
		PresignBatch: 50,
	}
}

// Uploader は署名付き URL に直接パートを PUT するクライアント側の実装
type Uploader struct {
	client     PartClient
	httpClient *http.Client
	config     UploaderConfig
	logger     *slog.Logger
}

// UploaderOption は Uploader のオプション
type UploaderOption func(*Uploader)

// WithUploaderHTTPClient は HTTP クライアントを差し替える
func WithUploaderHTTPClient(c *http.Client) UploaderOption {
	return func(u *Uploader) {
		u.httpClient = c
	}
}

// WithUploaderLogger はロガーを設定する
func WithUploaderLogger(logger *slog.Logger) UploaderOption {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// NewUploader は Uploader を作成する
func NewUploader(client PartClient, cfg UploaderConfig, opts ...UploaderOption) *Uploader {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PresignBatch <= 0 {
		cfg.PresignBatch = 50
	}
	u := &Uploader{
		client:     client,
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		config:     cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload はセッションを開始して全パートを並列にアップロードし、完了させる
// 途中で回復できない失敗が起きた場合はセッションを中止する
func (u *Uploader) Upload(ctx context.Context, src io.ReaderAt, params InitiateParams) (*Session, error) {
	session, err := u.client.Initiate(ctx, params)
	if err != nil {
		return nil, err
	}

	parts, err := u.UploadParts(ctx, src, session, nil)
	if err != nil {
		u.abort(ctx, session)
		return nil, err
	}

	if err := u.client.Complete(ctx, session.UploadID, session.Key, parts); err != nil {
		u.abort(ctx, session)
		return nil, err
	}
	return session, nil
}

// UploadParts は done に含まれないパートだけをアップロードし、
// done と合わせた全パートを番号の昇順で返す
func (u *Uploader) UploadParts(ctx context.Context, src io.ReaderAt, session *Session, done []Part) ([]Part, error) {
	missing := MissingParts(done, session.NumParts)
	ranges := PlanParts(session.Size, session.PartSize)

	var mu sync.Mutex
	collected := make(map[int]string, session.NumParts)
	for _, p := range done {
		if etag := NormalizeETag(p.ETag); etag != "" {
			collected[p.PartNumber] = etag
		}
	}

	for start := 0; start < len(missing); start += u.config.PresignBatch {
		batch := missing[start:min(start+u.config.PresignBatch, len(missing))]

		urls, err := u.client.PresignParts(ctx, session.UploadID, session.Key, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to presign parts: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(u.config.Workers)
		for _, pu := range urls {
			r := ranges[pu.PartNumber-1]
			g.Go(func() error {
				body := io.NewSectionReader(src, r.Offset, r.Length)
				etag, err := u.putPartWithRetry(gctx, pu.URL, body, r.Length)
				if err != nil {
					return fmt.Errorf("part %d: %w", pu.PartNumber, err)
				}
				mu.Lock()
				collected[pu.PartNumber] = etag
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	parts := make([]Part, 0, len(collected))
	for n, etag := range collected {
		parts = append(parts, Part{PartNumber: n, ETag: etag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (u *Uploader) putPartWithRetry(ctx context.Context, url string, body *io.SectionReader, length int64) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= u.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * u.config.BaseBackoff
			if u.config.MaxBackoff > 0 && backoff > u.config.MaxBackoff {
				backoff = u.config.MaxBackoff
			}
			u.logger.Warn("パートのアップロードを再試行します",
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("failed to rewind part body: %w", err)
		}

		etag, err := u.putPart(ctx, url, body, length)
		if err == nil {
			return etag, nil
		}
		lastErr = err
		if !job.IsTransient(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("part upload retries exhausted: %w", lastErr)
}

func (u *Uploader) putPart(ctx context.Context, url string, body io.Reader, length int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", job.Permanent("upload part", err)
	}
	req.ContentLength = length

	resp, err := u.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", job.Transient("upload part", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", job.Transient("upload part", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", job.Permanent("upload part", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	etag := NormalizeETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", job.Permanent("upload part", errors.New("response has no ETag header"))
	}
	return etag, nil
}

func (u *Uploader) abort(ctx context.Context, session *Session) {
	// 呼び出し元のキャンセル後でも中止要求は送る
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := u.client.Abort(abortCtx, session.UploadID, session.Key); err != nil {
		u.logger.Error("アップロードの中止に失敗しました",
			"uploadID", session.UploadID,
			"key", session.Key,
			"error", err,
		)
		return
	}
	u.logger.Info("失敗したアップロードを中止しました",
		"uploadID", session.UploadID,
		"key", session.Key,
	)
}
