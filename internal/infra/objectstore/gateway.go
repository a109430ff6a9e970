// Package objectstore は S3 互換ストレージへのアクセスを minio-go で提供する
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jinford/clipline/internal/core/lifecycle"
	"github.com/jinford/clipline/internal/core/pipeline"
	"github.com/jinford/clipline/internal/core/storage"
	"github.com/jinford/clipline/internal/core/upload"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	_ pipeline.ObjectStore  = (*Gateway)(nil)
	_ upload.Store          = (*Gateway)(nil)
	_ lifecycle.ObjectStore = (*Gateway)(nil)
)

// Config は接続設定
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Gateway はバケット1つに対する操作をまとめる
type Gateway struct {
	client *minio.Client
	core   *minio.Core
	bucket string
	region string
	logger *slog.Logger
}

// New は Gateway を作成する
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &Gateway{
		client: client,
		core:   &minio.Core{Client: client},
		bucket: cfg.Bucket,
		region: cfg.Region,
		logger: logger,
	}, nil
}

// EnsureBucket はバケットがなければ作成する
func (g *Gateway) EnsureBucket(ctx context.Context) error {
	exists, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := g.client.MakeBucket(ctx, g.bucket, minio.MakeBucketOptions{Region: g.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", g.bucket, err)
	}
	g.logger.Info("バケットを作成しました", "bucket", g.bucket)
	return nil
}

// === 単一オブジェクト ===

// Put はオブジェクトを書き込む
func (g *Gateway) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error {
	_, err := g.client.PutObject(ctx, g.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Open はオブジェクトを読み出す。存在しなければ storage.ErrObjectNotFound を返す
func (g *Gateway) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := g.client.GetObject(ctx, g.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err, key)
	}
	// GetObject は遅延評価なので、ここで存在確認をする
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, translate(err, key)
	}
	return obj, nil
}

// Download はオブジェクトをローカルファイルに保存する
func (g *Gateway) Download(ctx context.Context, key, localPath string) error {
	if err := g.client.FGetObject(ctx, g.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return translate(err, key)
	}
	return nil
}

// Upload はローカルファイルをアップロードする
func (g *Gateway) Upload(ctx context.Context, key, localPath, contentType string) error {
	if _, err := g.client.FPutObject(ctx, g.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("fput object: %w", err)
	}
	return nil
}

// Stat はオブジェクトのメタデータを返す
func (g *Gateway) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	info, err := g.client.StatObject(ctx, g.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, translate(err, key)
	}
	return toObjectInfo(info), nil
}

// PresignGet は署名付き GET URL を返す
func (g *Gateway) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := g.client.PresignedGetObject(ctx, g.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigned get object: %w", err)
	}
	return u.String(), nil
}

// PresignPut は単一オブジェクトの署名付き PUT URL を返す
func (g *Gateway) PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := g.client.PresignedPutObject(ctx, g.bucket, key, expiry)
	if err != nil {
		return "", fmt.Errorf("presigned put object: %w", err)
	}
	return u.String(), nil
}

// DeleteObject はオブジェクトを削除する。存在しなくてもエラーにしない
func (g *Gateway) DeleteObject(ctx context.Context, key string) error {
	if err := g.client.RemoveObject(ctx, g.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// ListObjects は prefix 配下のオブジェクトを順に fn に渡す
// fn がエラーを返すと走査を中断する
func (g *Gateway) ListObjects(ctx context.Context, prefix string, fn func(storage.ObjectInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range g.client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("list objects: %w", obj.Err)
		}
		if err := fn(toObjectInfo(obj)); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// === マルチパート ===

// NewMultipartUpload はマルチパートアップロードを開始する
func (g *Gateway) NewMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	uploadID, err := g.core.NewMultipartUpload(ctx, g.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("new multipart upload: %w", err)
	}
	return uploadID, nil
}

// PresignUploadPart はパート1つ分の署名付き PUT URL を返す
func (g *Gateway) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("partNumber", strconv.Itoa(partNumber))
	params.Set("uploadId", uploadID)

	u, err := g.client.Presign(ctx, http.MethodPut, g.bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign upload part: %w", err)
	}
	return u.String(), nil
}

// CompleteMultipartUpload はパートを結合してオブジェクトを確定する
func (g *Gateway) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.CompletedPart) error {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	if _, err := g.core.CompleteMultipartUpload(ctx, g.bucket, key, uploadID, completed, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

// AbortMultipartUpload はアップロード済みのパートを破棄する
// 既に中止・完了済みのアップロードはエラーにしない
func (g *Gateway) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := g.core.AbortMultipartUpload(ctx, g.bucket, key, uploadID); err != nil {
		if isNoSuchUpload(err) {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// ListIncompleteUploads は未完了のマルチパートアップロードを順に fn に渡す
func (g *Gateway) ListIncompleteUploads(ctx context.Context, prefix string, fn func(storage.IncompleteUpload) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for u := range g.client.ListIncompleteUploads(ctx, g.bucket, prefix, true) {
		if u.Err != nil {
			return fmt.Errorf("list incomplete uploads: %w", u.Err)
		}
		if err := fn(storage.IncompleteUpload{Key: u.Key, UploadID: u.UploadID, Initiated: u.Initiated}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func toObjectInfo(info minio.ObjectInfo) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
		UserMetadata: info.UserMetadata,
	}
}

func translate(err error, key string) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
	}
	return err
}

func errorCode(err error) string {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code
	}
	return minio.ToErrorResponse(err).Code
}

func isNotFound(err error) bool {
	code := errorCode(err)
	return code == "NoSuchKey" || code == "NotFound"
}

func isNoSuchUpload(err error) bool {
	return errorCode(err) == "NoSuchUpload"
}

// ErrUnavailable はストレージに到達できない場合のエラー
var ErrUnavailable = errors.New("object store unavailable")

// Ping はバケットへの到達性を確認する
func (g *Gateway) Ping(ctx context.Context) error {
	if _, err := g.client.BucketExists(ctx, g.bucket); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
