// Package ffmpeg は goffmpeg による音声抽出とメディア情報の取得を提供する
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jinford/clipline/internal/core/pipeline"
	models "github.com/xfrr/goffmpeg/media"
	"github.com/xfrr/goffmpeg/transcoder"
)

var _ pipeline.AudioExtractor = (*Extractor)(nil)

// ErrExtractionTimeout は抽出が時間内に終わらなかった場合のエラー
var ErrExtractionTimeout = errors.New("audio extraction timed out")

// Settings は抽出する音声の形式
type Settings struct {
	Format     string
	Codec      string
	Bitrate    string
	SampleRate int
	Timeout    time.Duration
}

// DefaultSettings は mp3 / libmp3lame / 192k / 44.1kHz を返す
func DefaultSettings() Settings {
	return Settings{
		Format:     "mp3",
		Codec:      "libmp3lame",
		Bitrate:    "192k",
		SampleRate: 44100,
		Timeout:    5 * time.Minute,
	}
}

// Extractor は pipeline.AudioExtractor の ffmpeg 実装
type Extractor struct {
	settings Settings
	logger   *slog.Logger
}

// NewExtractor は Extractor を作成する
func NewExtractor(settings Settings, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{settings: settings, logger: logger}
}

// Probe はメディアの長さとストリーム構成を返す
func (e *Extractor) Probe(_ context.Context, path string) (*pipeline.MediaProbe, error) {
	trans := new(transcoder.Transcoder)
	if err := trans.Initialize(path, ""); err != nil {
		return nil, fmt.Errorf("failed to probe media: %w", err)
	}
	return probeFromMetadata(trans.MediaFile().Metadata()), nil
}

// ExtractAudio は映像を捨てて音声トラックだけを書き出す
func (e *Extractor) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	trans := new(transcoder.Transcoder)
	if err := trans.Initialize(inputPath, outputPath); err != nil {
		return fmt.Errorf("failed to initialize transcoder: %w", err)
	}

	media := trans.MediaFile()
	media.SetSkipVideo(true)
	media.SetAudioCodec(e.settings.Codec)
	media.SetAudioBitRate(e.settings.Bitrate)
	media.SetAudioRate(e.settings.SampleRate)
	media.SetOutputFormat(e.settings.Format)

	ctx, cancel := context.WithTimeout(ctx, e.settings.Timeout)
	defer cancel()

	started := time.Now()
	done := trans.Run(false)

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("audio extraction failed: %w", err)
		}
	case <-ctx.Done():
		_ = trans.Stop()
		os.Remove(outputPath)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrExtractionTimeout, e.settings.Timeout)
		}
		return ctx.Err()
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("extracted audio not found: %w", err)
	}

	e.logger.Info("音声を抽出しました",
		"output", outputPath,
		"bytes", info.Size(),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return nil
}

func probeFromMetadata(metadata models.Metadata) *pipeline.MediaProbe {
	probe := &pipeline.MediaProbe{}
	if d, err := strconv.ParseFloat(metadata.Format.Duration, 64); err == nil {
		probe.DurationSeconds = d
	}

	for _, stream := range metadata.Streams {
		switch stream.CodecType {
		case "audio":
			if !probe.HasAudio {
				probe.HasAudio = true
				if probe.Codec == "" {
					probe.Codec = stream.CodecName
				}
			}
		case "video":
			if !probe.HasVideo {
				probe.HasVideo = true
				probe.Codec = stream.CodecName
			}
		}
	}
	return probe
}
