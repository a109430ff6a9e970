package openai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   DefaultModel,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 10, "total_tokens": 20},
	})
	return string(body)
}

func newTestAnalyzer(t *testing.T, handler http.HandlerFunc) *Analyzer {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a, err := NewAnalyzer(Config{
		APIKey:  "test",
		Model:   DefaultModel,
		BaseURL: server.URL + "/v1/",
	}, WithAnalyzerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return a
}

func analysisRequest() pipeline.AnalysisRequest {
	return pipeline.AnalysisRequest{
		Transcript:         &job.Transcript{FullText: "hello world", Metadata: job.TranscriptMetadata{Duration: 600}},
		DurationSeconds:    600,
		NumSegments:        2,
		MinDurationSeconds: 60,
		MaxDurationSeconds: 300,
		CustomInstructions: "focus on the jokes",
	}
}

func TestAnalyzer_Analyze(t *testing.T) {
	var prompt string
	a := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var req struct {
			Temperature    float64 `json:"temperature"`
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 0.7, req.Temperature)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
		prompt = req.Messages[len(req.Messages)-1].Content

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody(`{"segments":[{"title":"A","start_time":10,"end_time":70,"duration":60},{"title":"B","start_time":"100","end_time":"190"}]}`))
	})

	got, err := a.Analyze(context.Background(), analysisRequest())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Title)
	require.NotNil(t, got[0].Duration)
	assert.Equal(t, 60.0, *got[0].Duration)
	assert.Equal(t, 100.0, got[1].StartTime)
	assert.Nil(t, got[1].Duration)

	assert.Contains(t, prompt, "choose 2 segments")
	assert.Contains(t, prompt, "focus on the jokes")
	assert.Contains(t, prompt, "hello world")
}

func TestAnalyzer_RetriesUnparseableOnce(t *testing.T) {
	var calls atomic.Int32
	a := newTestAnalyzer(t, func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = io.WriteString(w, completionBody("sorry, I cannot do that"))
			return
		}
		_, _ = io.WriteString(w, completionBody(`[{"title":"only","start_time":0,"end_time":30}]`))
	})

	got, err := a.Analyze(context.Background(), analysisRequest())
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAnalyzer_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusServiceUnavailable, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"error"}}`)
			})

			_, err := a.Analyze(context.Background(), analysisRequest())
			require.Error(t, err)
			assert.Equal(t, tt.transient, job.IsTransient(err))
		})
	}
}

func TestAnalyzer_RequiresTranscript(t *testing.T) {
	a := newTestAnalyzer(t, func(http.ResponseWriter, *http.Request) {
		t.Error("should not call the API")
	})
	_, err := a.Analyze(context.Background(), pipeline.AnalysisRequest{NumSegments: 1})
	require.Error(t, err)
	assert.False(t, job.IsTransient(err))
}

func TestNewAnalyzer_RequiresAPIKey(t *testing.T) {
	_, err := NewAnalyzer(Config{})
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}
