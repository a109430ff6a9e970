package job

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// StatusStore は状態機械が必要とする永続化操作
type StatusStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// CompareAndSetStatus は現在の状態が expected のときだけ next に更新する。
	// 一致しない場合は ErrStatusConflict を返す。
	// errorMessage は next が failed のときだけ設定され、それ以外ではクリアされる。
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next Status, errorMessage *string) (*Job, error)
}

// Repository はジョブ・セグメント・RenderOutput の永続化を抽象化する
type Repository interface {
	StatusStore

	// === Job ===
	CreateJob(ctx context.Context, j *Job) error
	SetAudioKey(ctx context.Context, id uuid.UUID, key string) error
	SetTranscript(ctx context.Context, id uuid.UUID, transcript *Transcript) error

	// === Segment ===

	// CreateSegments はセグメントを1トランザクションでまとめて作成する。
	// 既にセグメントがある場合は ErrSegmentsExist を返す。
	CreateSegments(ctx context.Context, jobID uuid.UUID, segments []*Segment) error
	ListSegments(ctx context.Context, jobID uuid.UUID) ([]*Segment, error)

	// === RenderOutput ===

	// CreateRenderOutput はセグメントに対して RenderOutput を作成する。
	// 既にある場合は ErrRenderOutputExists を返す。
	CreateRenderOutput(ctx context.Context, out *RenderOutput) error
	FindRenderOutputBySegment(ctx context.Context, segmentID uuid.UUID) (mo.Option[*RenderOutput], error)
	GetRenderOutput(ctx context.Context, id uuid.UUID) (*RenderOutput, error)
	ListRenderOutputs(ctx context.Context, jobID uuid.UUID) ([]*RenderOutput, error)
	SetRenderHandle(ctx context.Context, id uuid.UUID, handle string) error

	// TransitionRenderOutput は現在の状態が from のときだけ to に更新する。
	// 一致しない場合は ErrStatusConflict を返す。
	TransitionRenderOutput(ctx context.Context, id uuid.UUID, from, to RenderStatus, update RenderUpdate) (*RenderOutput, error)
}

// RetentionSource は保持期間内の最終成果物キーを列挙する
type RetentionSource interface {
	ListOutputKeysCompletedSince(ctx context.Context, since time.Time) ([]string, error)
}
