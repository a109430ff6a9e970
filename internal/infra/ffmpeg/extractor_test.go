package ffmpeg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	models "github.com/xfrr/goffmpeg/media"
)

func TestProbeFromMetadata(t *testing.T) {
	tests := []struct {
		name     string
		metadata models.Metadata
		duration float64
		codec    string
		hasAudio bool
		hasVideo bool
	}{
		{
			name: "video with audio",
			metadata: models.Metadata{
				Format:  models.Format{Duration: "125.40"},
				Streams: []models.Streams{{CodecType: "video", CodecName: "h264"}, {CodecType: "audio", CodecName: "aac"}},
			},
			duration: 125.4, codec: "h264", hasAudio: true, hasVideo: true,
		},
		{
			name: "silent video",
			metadata: models.Metadata{
				Format:  models.Format{Duration: "30"},
				Streams: []models.Streams{{CodecType: "video", CodecName: "vp9"}},
			},
			duration: 30, codec: "vp9", hasVideo: true,
		},
		{
			name: "audio only",
			metadata: models.Metadata{
				Format:  models.Format{Duration: "61.5"},
				Streams: []models.Streams{{CodecType: "audio", CodecName: "mp3"}},
			},
			duration: 61.5, codec: "mp3", hasAudio: true,
		},
		{
			name:     "unknown duration",
			metadata: models.Metadata{Format: models.Format{Duration: "N/A"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := probeFromMetadata(tt.metadata)
			assert.Equal(t, tt.duration, got.DurationSeconds)
			assert.Equal(t, tt.codec, got.Codec)
			assert.Equal(t, tt.hasAudio, got.HasAudio)
			assert.Equal(t, tt.hasVideo, got.HasVideo)
		})
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, "mp3", s.Format)
	assert.Equal(t, "libmp3lame", s.Codec)
	assert.Equal(t, "192k", s.Bitrate)
	assert.Equal(t, 44100, s.SampleRate)
	assert.Equal(t, 5*time.Minute, s.Timeout)
}
