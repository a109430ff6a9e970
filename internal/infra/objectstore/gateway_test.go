package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/jinford/clipline/internal/core/storage"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	notFound := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404, Message: "The specified key does not exist."}

	err := translate(notFound, "uploads/a/b.mp4")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	assert.Contains(t, err.Error(), "uploads/a/b.mp4")

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	assert.False(t, errors.Is(translate(denied, "k"), storage.ErrObjectNotFound))

	wrapped := fmt.Errorf("stat: %w", notFound)
	assert.ErrorIs(t, translate(wrapped, "k"), storage.ErrObjectNotFound)
}

func TestIsNoSuchUpload(t *testing.T) {
	assert.True(t, isNoSuchUpload(minio.ErrorResponse{Code: "NoSuchUpload"}))
	assert.False(t, isNoSuchUpload(minio.ErrorResponse{Code: "InternalError"}))
	assert.False(t, isNoSuchUpload(errors.New("dial tcp: connection refused")))
}

func TestToObjectInfo(t *testing.T) {
	modified := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	info := toObjectInfo(minio.ObjectInfo{
		Key:          "clips/j/s/clip.mp4",
		Size:         42,
		ETag:         "abc",
		ContentType:  "video/mp4",
		LastModified: modified,
		UserMetadata: minio.StringMap{"X-Amz-Meta-Clipline-Final-Output": "true"},
	})

	assert.Equal(t, "clips/j/s/clip.mp4", info.Key)
	assert.Equal(t, int64(42), info.Size)
	assert.Equal(t, modified, info.LastModified)
	assert.True(t, storage.IsFinalOutput(info.UserMetadata))
}

func newOfflineGateway(t *testing.T) *Gateway {
	t.Helper()
	// リージョンを指定すると署名はローカルで完結する
	g, err := New(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "clipline",
		Region:    "us-east-1",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return g
}

func TestGateway_PresignPut(t *testing.T) {
	g := newOfflineGateway(t)

	raw, err := g.PresignPut(context.Background(), "uploads/job-1/talk.mp4", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/clipline/uploads/job-1/talk.mp4", u.Path)

	q := u.Query()
	assert.Equal(t, "900", q.Get("X-Amz-Expires"))
	assert.NotEmpty(t, q.Get("X-Amz-Signature"))
	assert.Empty(t, q.Get("uploadId"))
}

func TestGateway_PresignUploadPart(t *testing.T) {
	g := newOfflineGateway(t)

	raw, err := g.PresignUploadPart(context.Background(), "uploads/job-1/talk.mp4", "upload-1", 3, time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "3", u.Query().Get("partNumber"))
	assert.Equal(t, "upload-1", u.Query().Get("uploadId"))
}
