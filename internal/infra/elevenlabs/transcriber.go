// Package elevenlabs は ElevenLabs Speech-to-Text API による文字起こしを提供する
package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
	"github.com/jinford/clipline/internal/infra/httpclient"
)

const (
	// DefaultBaseURL は API のベース URL
	DefaultBaseURL = "https://api.elevenlabs.io"

	// DefaultModel は文字起こしモデル
	DefaultModel = "scribe_v1"

	// DefaultTimeout は1回の文字起こしのタイムアウト
	DefaultTimeout = 10 * time.Minute

	transcribeOp = "transcribe"
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("ElevenLabs API key not set: please set ELEVENLABS_API_KEY environment variable")

var _ pipeline.Transcriber = (*Transcriber)(nil)

// Config は文字起こしクライアントの設定
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Transcriber は pipeline.Transcriber の ElevenLabs 実装
type Transcriber struct {
	http   *http.Client
	config Config
	logger *slog.Logger
}

// NewTranscriber は Transcriber を作成する
func NewTranscriber(cfg Config, logger *slog.Logger) (*Transcriber, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Transcriber{
		http:   httpclient.New(cfg.Timeout),
		config: cfg,
		logger: logger,
	}, nil
}

type responseWord struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Type      string  `json:"type"`
	SpeakerID *string `json:"speaker_id"`
}

type response struct {
	LanguageCode        string         `json:"language_code"`
	LanguageProbability float64        `json:"language_probability"`
	Text                string         `json:"text"`
	Words               []responseWord `json:"words"`
	TranscriptionID     string         `json:"transcription_id"`
}

// Transcribe は音声を送信し、単語単位のタイムスタンプ付き文字起こしを返す
// 本文はメモリに溜めずにストリーミングで送る
func (t *Transcriber) Transcribe(ctx context.Context, input pipeline.TranscriptionInput) (*job.Transcript, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(form, t.config.Model, input))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+"/v1/speech-to-text", pr)
	if err != nil {
		pr.Close()
		return nil, job.Permanent(transcribeOp, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("xi-api-key", t.config.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := httpclient.Do(t.http, req, transcribeOp)
	if err != nil {
		pr.Close()
		return nil, err
	}
	defer resp.Body.Close()

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, job.Permanent(transcribeOp, fmt.Errorf("decode response: %w", err))
	}

	transcript := toTranscript(body)
	t.logger.Info("文字起こしが完了しました",
		"filename", input.Filename,
		"words", len(transcript.Words),
		"duration", transcript.Metadata.Duration,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return transcript, nil
}

func writeForm(form *multipart.Writer, model string, input pipeline.TranscriptionInput) error {
	if err := form.WriteField("model_id", model); err != nil {
		return err
	}
	if err := form.WriteField("timestamps_granularity", "word"); err != nil {
		return err
	}

	filename := input.Filename
	if filename == "" {
		filename = "audio.mp3"
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, input.Body); err != nil {
		return fmt.Errorf("stream audio: %w", err)
	}
	return form.Close()
}

// toTranscript はレスポンスを内部形式に変換する
// 区切り文字の要素は除き、総再生時間は最後の単語の終了時刻とする
func toTranscript(r response) *job.Transcript {
	words := make([]job.Word, 0, len(r.Words))
	for _, w := range r.Words {
		if w.Type != "" && w.Type != "word" {
			continue
		}
		word := job.Word{Text: w.Text, Start: w.Start, End: w.End}
		if w.SpeakerID != nil {
			word.SpeakerID = *w.SpeakerID
		}
		words = append(words, word)
	}

	var duration float64
	if len(words) > 0 {
		duration = words[len(words)-1].End
	}

	language := r.LanguageCode
	if language == "" {
		language = "en"
	}

	return &job.Transcript{
		FullText: r.Text,
		Words:    words,
		Metadata: job.TranscriptMetadata{
			Duration:            duration,
			Language:            language,
			LanguageProbability: r.LanguageProbability,
			TranscriptionID:     r.TranscriptionID,
		},
	}
}
