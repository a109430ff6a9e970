package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		first   string
	}{
		{"bare array", `[{"title":"a","start_time":1,"end_time":2}]`, 1, "a"},
		{"segments key", `{"segments":[{"title":"s","start_time":1,"end_time":2},{"title":"t","start_time":3,"end_time":4}]}`, 2, "s"},
		{"results key", `{"results":[{"title":"r","start_time":1,"end_time":2}]}`, 1, "r"},
		{"clips key", `{"clips":[{"title":"c","start_time":1,"end_time":2}]}`, 1, "c"},
		{"any array value", `{"note":"x","picked":[{"title":"p","start_time":1,"end_time":2}]}`, 1, "p"},
		{"code fence", "```json\n[{\"title\":\"f\",\"start_time\":1,\"end_time\":2}]\n```", 1, "f"},
		{"empty array", `{"segments":[]}`, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCandidates(tt.content)
			require.NoError(t, err)
			require.Len(t, got, tt.want)
			if tt.want > 0 {
				assert.Equal(t, tt.first, got[0].Title)
			}
		})
	}
}

func TestParseCandidates_Invalid(t *testing.T) {
	for _, content := range []string{"not json", `{"message":"no arrays here"}`, `{"segments":"nope"}`, `42`} {
		_, err := ParseCandidates(content)
		assert.ErrorIs(t, err, ErrInvalidResponseFormat, content)
	}
}

func TestParseCandidates_NumericStrings(t *testing.T) {
	got, err := ParseCandidates(`[{"start_time":"12.5","end_time":" 40 ","duration":27.5}]`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 12.5, got[0].StartTime)
	assert.Equal(t, 40.0, got[0].EndTime)
	require.NotNil(t, got[0].Duration)
	assert.Equal(t, 27.5, *got[0].Duration)
	assert.Empty(t, got[0].Title)
}
