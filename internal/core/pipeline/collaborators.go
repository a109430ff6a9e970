package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/lifecycle"
	"github.com/jinford/clipline/internal/core/storage"
)

// ObjectStore はパイプラインが使うオブジェクトストア操作
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, key, localPath, contentType string) error
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// MediaProbe はメディアファイルのメタデータ
type MediaProbe struct {
	DurationSeconds float64
	Codec           string
	HasAudio        bool
	HasVideo        bool
}

// AudioExtractor は音声抽出ツール
type AudioExtractor interface {
	Probe(ctx context.Context, path string) (*MediaProbe, error)
	ExtractAudio(ctx context.Context, inputPath, outputPath string) error
}

// TranscriptionInput は文字起こしの入力
type TranscriptionInput struct {
	Filename string
	Body     io.Reader
}

// Transcriber は文字起こしサービス
type Transcriber interface {
	Transcribe(ctx context.Context, input TranscriptionInput) (*job.Transcript, error)
}

// AnalysisRequest は解析サービスへの入力
type AnalysisRequest struct {
	Transcript         *job.Transcript
	DurationSeconds    float64
	NumSegments        int
	MinDurationSeconds int
	MaxDurationSeconds int
	CustomInstructions string
}

// Candidate は解析サービスが返す切り抜き候補
type Candidate struct {
	Title       string
	Description string
	Reasoning   string
	StartTime   float64
	EndTime     float64
	// Duration は解析サービスが申告した区間長。申告がなければ nil
	Duration *float64
}

// Analyzer は解析サービス
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) ([]Candidate, error)
}

// RenderRequest はレンダリングサービスへの投入内容
type RenderRequest struct {
	SourceURL    string
	MediaKind    job.MediaKind
	StartSeconds float64
	EndSeconds   float64
	Title        string
}

// RenderState はレンダリングサービス側の状態
type RenderState string

const (
	RenderStateQueued     RenderState = "queued"
	RenderStateInProgress RenderState = "rendering"
	RenderStateDone       RenderState = "done"
	RenderStateFailed     RenderState = "failed"
)

// IsTerminal は終端状態かを返す
func (s RenderState) IsTerminal() bool {
	return s == RenderStateDone || s == RenderStateFailed
}

// RenderReport はレンダリングジョブ1回分の問い合わせ結果
type RenderReport struct {
	State    RenderState
	URL      string
	Error    string
	Progress int
}

// Renderer はレンダリングサービス
type Renderer interface {
	Submit(ctx context.Context, req RenderRequest) (string, error)
	Status(ctx context.Context, handle string) (*RenderReport, error)
}

// AssetDownloader はレンダリング結果を取得する
type AssetDownloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// RemoteObject は URL から取得した本文とヘッダ由来の情報
type RemoteObject struct {
	Body io.ReadCloser
	// Size は Content-Length。不明な場合は -1
	Size        int64
	ContentType string
	// Filename は Content-Disposition のファイル名。なければ空
	Filename string
}

// URLFetcher は外部 URL のメディアを取得する
type URLFetcher interface {
	Fetch(ctx context.Context, url string) (*RemoteObject, error)
}

// Reclaimer はジョブの中間成果物を回収する
type Reclaimer interface {
	ReclaimJob(ctx context.Context, jobID uuid.UUID) (*lifecycle.ReclaimResult, error)
}
