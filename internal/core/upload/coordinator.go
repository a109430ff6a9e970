package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
	"github.com/samber/mo"
)

// オブジェクトストアの制約に合わせた既定値
const (
	MinPartSize       int64 = 5 * 1024 * 1024
	DefaultPartSize   int64 = 200 * 1000 * 1000
	DefaultMaxSize    int64 = 5 * 1024 * 1024 * 1024
	MaxParts                = 10000
	DefaultURLExpiry        = time.Hour
	DefaultSessionTTL       = 24 * time.Hour
)

var (
	// ErrIncompleteUpload は完了要求のパート集合が宣言と一致しない場合のエラー
	ErrIncompleteUpload = errors.New("incomplete upload")

	// ErrPartsNotSorted は完了要求のパートが昇順でない場合のエラー
	ErrPartsNotSorted = errors.New("parts must be sorted ascending by part number")

	// ErrUploadNotFound はアップロードセッションが存在しない場合のエラー
	ErrUploadNotFound = errors.New("upload session not found")
)

// Store はマルチパートアップロードに必要なオブジェクトストア操作
type Store interface {
	NewMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, expiry time.Duration) (string, error)
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// SessionStore はアップロードセッションを TTL 付きで保持する
type SessionStore interface {
	Save(ctx context.Context, session *Session, ttl time.Duration) error
	Get(ctx context.Context, uploadID string) (mo.Option[*Session], error)
	Delete(ctx context.Context, uploadID string) error
}

// Config はコーディネーターの設定
type Config struct {
	MinPartSize     int64
	DefaultPartSize int64
	MaxFileSize     int64
	URLExpiry       time.Duration
	SessionTTL      time.Duration
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{
		MinPartSize:     MinPartSize,
		DefaultPartSize: DefaultPartSize,
		MaxFileSize:     DefaultMaxSize,
		URLExpiry:       DefaultURLExpiry,
		SessionTTL:      DefaultSessionTTL,
	}
}

// Session はマルチパートアップロードのセッション
type Session struct {
	UploadID    string    `json:"uploadId"`
	Key         string    `json:"key"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	PartSize    int64     `json:"partSize"`
	NumParts    int       `json:"numParts"`
	CreatedAt   time.Time `json:"createdAt"`
}

// InitiateParams は Initiate の入力
type InitiateParams struct {
	Key         string
	Size        int64
	ContentType string
	PartSize    int64 // 0 の場合は既定値
}

// Part はクライアントがアップロードしたパート
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// PartURL はパートごとの署名付き URL
type PartURL struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// PresignedPut は単一 PUT でアップロードするための署名付き URL
type PresignedPut struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Coordinator はマルチパートアップロードのセッションを管理する
type Coordinator struct {
	store    Store
	sessions SessionStore
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// CoordinatorOption は Coordinator のオプション
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger はロガーを設定する
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCoordinatorClock は現在時刻の取得関数を差し替える
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator は Coordinator を作成する
func NewCoordinator(store Store, sessions SessionStore, cfg Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    store,
		sessions: sessions,
		config:   cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config は設定値を返す
func (c *Coordinator) Config() Config {
	return c.config
}

// NumParts は size を partSize で分割したパート数を返す
func NumParts(size, partSize int64) int {
	if size <= 0 || partSize <= 0 {
		return 0
	}
	return int((size + partSize - 1) / partSize)
}

// Initiate はマルチパートアップロードを開始する
func (c *Coordinator) Initiate(ctx context.Context, params InitiateParams) (*Session, error) {
	partSize := params.PartSize
	if partSize == 0 {
		partSize = c.config.DefaultPartSize
	}

	if strings.TrimSpace(params.Key) == "" {
		return nil, job.NewValidationError("key", "is required")
	}
	if params.Size <= 0 {
		return nil, job.NewValidationError("size", "must be positive")
	}
	if c.config.MaxFileSize > 0 && params.Size > c.config.MaxFileSize {
		return nil, job.NewValidationError("size", fmt.Sprintf("exceeds the maximum of %d bytes", c.config.MaxFileSize))
	}
	if partSize < c.config.MinPartSize {
		return nil, job.NewValidationError("partSize", fmt.Sprintf("must be at least %d bytes", c.config.MinPartSize))
	}

	numParts := NumParts(params.Size, partSize)
	if numParts > MaxParts {
		return nil, job.NewValidationError("partSize", fmt.Sprintf("yields %d parts, more than the limit of %d", numParts, MaxParts))
	}

	contentType := params.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadID, err := c.store.NewMultipartUpload(ctx, params.Key, contentType)
	if err != nil {
		return nil, job.NewStorageError("initiate multipart", params.Key, err)
	}

	session := &Session{
		UploadID:    uploadID,
		Key:         params.Key,
		ContentType: contentType,
		Size:        params.Size,
		PartSize:    partSize,
		NumParts:    numParts,
		CreatedAt:   c.now(),
	}
	if err := c.sessions.Save(ctx, session, c.config.SessionTTL); err != nil {
		// セッションを残せないならストア側のアップロードも残さない
		if abortErr := c.store.AbortMultipartUpload(ctx, params.Key, uploadID); abortErr != nil {
			c.logger.Warn("セッション保存失敗後のアボートに失敗しました",
				"key", params.Key,
				"uploadID", uploadID,
				"error", abortErr,
			)
		}
		return nil, fmt.Errorf("failed to save upload session: %w", err)
	}

	c.logger.Info("マルチパートアップロードを開始しました",
		"key", params.Key,
		"uploadID", uploadID,
		"size", params.Size,
		"partSize", partSize,
		"numParts", numParts,
	)
	return session, nil
}

// PresignPut はパートに分けるまでもない小さなファイル向けに単一の PUT URL を発行する
// MinPartSize 以上のファイルはマルチパートでアップロードさせる
func (c *Coordinator) PresignPut(ctx context.Context, key string, size int64) (*PresignedPut, error) {
	if !strings.HasPrefix(key, storage.UploadsPrefix) || len(key) == len(storage.UploadsPrefix) {
		return nil, job.NewValidationError("key", "must be under "+storage.UploadsPrefix)
	}
	if size <= 0 {
		return nil, job.NewValidationError("size", "must be positive")
	}
	if size >= c.config.MinPartSize {
		return nil, job.NewValidationError("size", fmt.Sprintf("must be smaller than %d bytes; use multipart upload", c.config.MinPartSize))
	}

	u, err := c.store.PresignPut(ctx, key, c.config.URLExpiry)
	if err != nil {
		return nil, job.NewStorageError("presign put", key, err)
	}

	c.logger.Info("単一アップロード用の URL を発行しました", "key", key, "size", size)
	return &PresignedPut{Key: key, URL: u, ExpiresAt: c.now().Add(c.config.URLExpiry)}, nil
}

// Session はアップロードセッションを取得する
func (c *Coordinator) Session(ctx context.Context, uploadID, key string) (*Session, error) {
	found, err := c.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload session: %w", err)
	}
	session, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	if session.Key != key {
		return nil, job.NewValidationError("key", "does not match the upload session")
	}
	return session, nil
}

// PresignParts は指定パート番号ごとの署名付き PUT URL を発行する
// 欠けているパートだけを指定すれば再開できる
func (c *Coordinator) PresignParts(ctx context.Context, uploadID, key string, partNumbers []int) ([]PartURL, error) {
	session, err := c.Session(ctx, uploadID, key)
	if err != nil {
		return nil, err
	}
	if len(partNumbers) == 0 {
		return nil, job.NewValidationError("partNumbers", "is empty")
	}

	seen := make(map[int]struct{}, len(partNumbers))
	for _, n := range partNumbers {
		if n < 1 || n > session.NumParts {
			return nil, job.NewValidationError("partNumbers", fmt.Sprintf("part %d is outside 1..%d", n, session.NumParts))
		}
		if _, dup := seen[n]; dup {
			return nil, job.NewValidationError("partNumbers", fmt.Sprintf("part %d is duplicated", n))
		}
		seen[n] = struct{}{}
	}

	urls := make([]PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		u, err := c.store.PresignUploadPart(ctx, key, uploadID, n, c.config.URLExpiry)
		if err != nil {
			return nil, job.NewStorageError("presign part", key, err)
		}
		urls = append(urls, PartURL{PartNumber: n, URL: u})
	}
	return urls, nil
}

// Complete はアップロードを完了し、オブジェクトを確定させる
// parts はパート番号の昇順で、宣言したパート数と一致している必要がある
func (c *Coordinator) Complete(ctx context.Context, uploadID, key string, parts []Part) error {
	session, err := c.Session(ctx, uploadID, key)
	if err != nil {
		return err
	}

	completed, err := ValidateParts(parts, session.NumParts)
	if err != nil {
		return err
	}

	if err := c.store.CompleteMultipartUpload(ctx, key, uploadID, completed); err != nil {
		return job.NewStorageError("complete multipart", key, err)
	}

	if err := c.sessions.Delete(ctx, uploadID); err != nil {
		c.logger.Warn("アップロードセッションの削除に失敗しました",
			"uploadID", uploadID,
			"error", err,
		)
	}

	c.logger.Info("マルチパートアップロードを完了しました",
		"key", key,
		"uploadID", uploadID,
		"numParts", session.NumParts,
	)
	return nil
}

// Abort はアップロードを中止し、アップロード済みのパートを破棄する
// パートが1つもなくても、既に中止済みでも呼び出せる
func (c *Coordinator) Abort(ctx context.Context, uploadID, key string) error {
	found, err := c.sessions.Get(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("failed to load upload session: %w", err)
	}
	if session, ok := found.Get(); ok && session.Key != key {
		return job.NewValidationError("key", "does not match the upload session")
	}

	if err := c.store.AbortMultipartUpload(ctx, key, uploadID); err != nil {
		return job.NewStorageError("abort multipart", key, err)
	}
	if err := c.sessions.Delete(ctx, uploadID); err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}

	c.logger.Info("マルチパートアップロードを中止しました",
		"key", key,
		"uploadID", uploadID,
	)
	return nil
}

// ValidateParts は完了要求のパート集合を検証し、ストアに渡す形に変換する
// 並べ替えは行わない
func ValidateParts(parts []Part, numParts int) ([]storage.CompletedPart, error) {
	if len(parts) != numParts {
		return nil, fmt.Errorf("%w: got %d parts, expected %d", ErrIncompleteUpload, len(parts), numParts)
	}

	seen := make(map[int]struct{}, len(parts))
	for _, p := range parts {
		if p.PartNumber < 1 || p.PartNumber > numParts {
			return nil, fmt.Errorf("%w: part %d is outside 1..%d", ErrIncompleteUpload, p.PartNumber, numParts)
		}
		if _, dup := seen[p.PartNumber]; dup {
			return nil, fmt.Errorf("%w: part %d is duplicated", ErrIncompleteUpload, p.PartNumber)
		}
		seen[p.PartNumber] = struct{}{}
	}

	if !sort.SliceIsSorted(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber }) {
		return nil, ErrPartsNotSorted
	}

	completed := make([]storage.CompletedPart, 0, len(parts))
	for _, p := range parts {
		etag := NormalizeETag(p.ETag)
		if etag == "" {
			return nil, fmt.Errorf("%w: part %d has an empty eTag", ErrIncompleteUpload, p.PartNumber)
		}
		completed = append(completed, storage.CompletedPart{PartNumber: p.PartNumber, ETag: etag})
	}
	return completed, nil
}

// NormalizeETag は ETag の前後の空白と引用符を取り除く
func NormalizeETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

// MissingParts は受信済みのパートから欠けているパート番号を返す
func MissingParts(received []Part, numParts int) []int {
	have := make(map[int]struct{}, len(received))
	for _, p := range received {
		if NormalizeETag(p.ETag) != "" {
			have[p.PartNumber] = struct{}{}
		}
	}

	missing := make([]int, 0, max(numParts-len(have), 0))
	for n := 1; n <= numParts; n++ {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// PartRange はパートが担当するバイト範囲 [Offset, Offset+Length)
type PartRange struct {
	PartNumber int
	Offset     int64
	Length     int64
}

// PlanParts は各パートのバイト範囲を計算する
func PlanParts(size, partSize int64) []PartRange {
	n := NumParts(size, partSize)
	ranges := make([]PartRange, 0, n)
	for i := 1; i <= n; i++ {
		offset := int64(i-1) * partSize
		length := min(partSize, size-offset)
		ranges = append(ranges, PartRange{PartNumber: i, Offset: offset, Length: length})
	}
	return ranges
}
