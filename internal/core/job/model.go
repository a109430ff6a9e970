package job

import (
	"time"

	"github.com/google/uuid"
)

// MediaKind は入力メディアの種別
type MediaKind string

const (
	MediaKindVideo MediaKind = "video"
	MediaKindAudio MediaKind = "audio"
)

// IsValid は既知の種別かを判定する
func (k MediaKind) IsValid() bool {
	return k == MediaKindVideo || k == MediaKindAudio
}

// 解析ステージの設定値の既定値と上限
const (
	DefaultNumSegments        = 5
	MaxNumSegments            = 20
	DefaultMinDurationSeconds = 60
	DefaultMaxDurationSeconds = 300
	MaxInstructionsLength     = 2000
)

// Config はジョブごとのステージ設定
type Config struct {
	NumSegments        int    `json:"numSegments"`
	MinDurationSeconds int    `json:"minDurationSeconds"` // 解析への目安のみ
	MaxDurationSeconds int    `json:"maxDurationSeconds"`
	CustomInstructions string `json:"customInstructions,omitempty"`
}

// WithDefaults は未指定の項目に既定値を埋めた設定を返す
func (c Config) WithDefaults() Config {
	if c.NumSegments == 0 {
		c.NumSegments = DefaultNumSegments
	}
	if c.MinDurationSeconds == 0 {
		c.MinDurationSeconds = DefaultMinDurationSeconds
	}
	if c.MaxDurationSeconds == 0 {
		c.MaxDurationSeconds = DefaultMaxDurationSeconds
	}
	return c
}

// Validate は設定値を検証する
func (c Config) Validate() error {
	if c.NumSegments < 1 || c.NumSegments > MaxNumSegments {
		return NewValidationError("numSegments", "must be between 1 and 20")
	}
	if c.MaxDurationSeconds <= 0 {
		return NewValidationError("maxDurationSeconds", "must be positive")
	}
	if c.MinDurationSeconds < 0 || c.MinDurationSeconds > c.MaxDurationSeconds {
		return NewValidationError("minDurationSeconds", "must be between 0 and maxDurationSeconds")
	}
	if len(c.CustomInstructions) > MaxInstructionsLength {
		return NewValidationError("customInstructions", "is too long")
	}
	return nil
}

// Job は1件のメディア処理リクエスト
type Job struct {
	ID           uuid.UUID
	MediaKind    MediaKind
	Status       Status
	ErrorMessage *string
	Config       Config
	OriginalKey  string
	AudioKey     *string
	Transcript   *Transcript
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// CurrentInputKey は次のステージが入力として読むキーを返す
func (j *Job) CurrentInputKey() string {
	if j.AudioKey != nil && *j.AudioKey != "" {
		return *j.AudioKey
	}
	return j.OriginalKey
}

// Transcript は文字起こし結果
type Transcript struct {
	FullText string             `json:"fullText"`
	Words    []Word             `json:"words"`
	Metadata TranscriptMetadata `json:"metadata"`
}

// Word は単語単位のタイムスタンプ
type Word struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID string  `json:"speakerId,omitempty"`
}

// TranscriptMetadata は文字起こしのメタ情報
type TranscriptMetadata struct {
	Duration            float64 `json:"duration"`
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"languageProbability"`
	TranscriptionID     string  `json:"transcriptionId"`
}

// Segment は解析で得られた切り抜き候補区間
type Segment struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	Ordinal      int
	Title        string
	Description  string
	Rationale    string
	StartSeconds float64
	EndSeconds   float64
	CreatedAt    time.Time
}

// Duration は区間長（秒）を返す
func (s *Segment) Duration() float64 {
	return s.EndSeconds - s.StartSeconds
}

// RenderOutput はセグメント1件分のレンダリング結果
type RenderOutput struct {
	ID           uuid.UUID
	SegmentID    uuid.UUID
	JobID        uuid.UUID
	RenderHandle *string
	Status       RenderStatus
	OutputKey    *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// HasHandle はレンダリングが投入済みかを返す
func (r *RenderOutput) HasHandle() bool {
	return r.RenderHandle != nil && *r.RenderHandle != ""
}

// RenderUpdate は RenderOutput の状態遷移と同時に書き込む値
type RenderUpdate struct {
	OutputKey    *string
	ErrorMessage *string
}
