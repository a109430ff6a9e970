package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		transient bool
	}{
		{"ok", http.StatusOK, false, false},
		{"created", http.StatusCreated, false, false},
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"bad gateway", http.StatusBadGateway, true, true},
		{"not found", http.StatusNotFound, true, false},
		{"unprocessable", http.StatusUnprocessableEntity, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("detail"))
			}))
			defer server.Close()

			req, err := http.NewRequest(http.MethodGet, server.URL, nil)
			require.NoError(t, err)

			resp, err := Do(server.Client(), req, "render")
			if !tt.wantErr {
				require.NoError(t, err)
				resp.Body.Close()
				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.transient, job.IsTransient(err))

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, "detail", statusErr.Body)
			assert.Contains(t, err.Error(), "render")
		})
	}
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	_, err = Do(New(time.Second), req, "download")
	require.Error(t, err)
	assert.True(t, job.IsTransient(err))
}

func TestClassify_Canceled(t *testing.T) {
	err := Classify("op", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, job.IsTransient(err))
}

func TestDownloader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("clip-bytes"))
	}))
	defer server.Close()

	d := NewDownloader(time.Second)

	body, size, err := d.Download(context.Background(), server.URL+"/clip.mp4")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "clip-bytes", string(data))
	assert.Equal(t, int64(len("clip-bytes")), size)

	_, _, err = d.Download(context.Background(), server.URL+"/missing")
	require.Error(t, err)
	assert.False(t, job.IsTransient(err))
}

func TestDownloader_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/share":
			http.Redirect(w, r, "/files/raw", http.StatusFound)
		case "/files/raw":
			w.Header().Set("Content-Type", "video/mp4; charset=binary")
			w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''%E8%AC%9B%E6%BC%94.mp4`)
			_, _ = w.Write([]byte("media-bytes"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	d := NewDownloader(time.Second)

	obj, err := d.Fetch(context.Background(), server.URL+"/share")
	require.NoError(t, err)
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "media-bytes", string(data))
	assert.Equal(t, int64(len("media-bytes")), obj.Size)
	assert.Equal(t, "video/mp4", obj.ContentType)
	assert.Equal(t, "講演.mp4", obj.Filename)

	_, err = d.Fetch(context.Background(), server.URL+"/down")
	require.Error(t, err)
	assert.True(t, job.IsTransient(err))
}

func TestDispositionFilename(t *testing.T) {
	assert.Equal(t, "talk.mp4", dispositionFilename(`attachment; filename="talk.mp4"`))
	assert.Equal(t, "talk.mp4", dispositionFilename(`attachment; filename="../../talk.mp4"`))
	assert.Empty(t, dispositionFilename(""))
	assert.Empty(t, dispositionFilename("attachment"))
	assert.Empty(t, dispositionFilename(`attachment; filename=`))
}
