package redis

import (
	"testing"
	"time"

	"github.com/jinford/clipline/internal/core/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "clipline:upload:abc", sessionKey("abc"))
}

func TestSessionCodec(t *testing.T) {
	session := &upload.Session{
		UploadID:    "upload-1",
		Key:         "uploads/j/talk.mp4",
		ContentType: "video/mp4",
		Size:        512 << 20,
		PartSize:    200 << 20,
		NumParts:    3,
		CreatedAt:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := encodeSession(session)
	require.NoError(t, err)

	got, err := decodeSession(data)
	require.NoError(t, err)
	assert.Equal(t, session, got)

	_, err = decodeSession([]byte("not json"))
	assert.Error(t, err)
}
