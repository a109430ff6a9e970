package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/samber/mo"
)

// Repository は job.Repository インターフェースを実装する PostgreSQL リポジトリです
type Repository struct {
	db DBTX
}

// NewRepository は新しい Repository を作成します
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// コンパイル時の型チェック
var (
	_ job.Repository      = (*Repository)(nil)
	_ job.RetentionSource = (*Repository)(nil)
)

const jobColumns = `id, media_kind, status, error_message, config, original_key, audio_key, transcript, created_at, updated_at, completed_at`

const segmentColumns = `id, job_id, ordinal, title, description, rationale, start_seconds, end_seconds, created_at`

const renderOutputColumns = `id, segment_id, job_id, render_handle, status, output_key, error_message, created_at, updated_at, completed_at`

// === Job ===

func (r *Repository) CreateJob(ctx context.Context, j *job.Job) error {
	config, err := JSONBFrom(&j.Config)
	if err != nil {
		return err
	}
	transcript, err := JSONBFrom(j.Transcript)
	if err != nil {
		return err
	}

	var createdAt, updatedAt pgtype.Timestamptz
	err = r.db.QueryRow(ctx, `
		INSERT INTO jobs (id, media_kind, status, error_message, config, original_key, audio_key, transcript)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		UUIDToPgtype(j.ID),
		string(j.MediaKind),
		string(j.Status),
		StringPtrToPgtext(j.ErrorMessage),
		config,
		j.OriginalKey,
		StringPtrToPgtext(j.AudioKey),
		transcript,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return job.NewValidationError("id", "job already exists")
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	j.CreatedAt = PgtimestamptzToTime(createdAt)
	j.UpdatedAt = PgtimestamptzToTime(updatedAt)
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, UUIDToPgtype(id))
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (r *Repository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next job.Status, errorMessage *string) (*job.Job, error) {
	if next != job.StatusFailed {
		errorMessage = nil
	}

	row := r.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3,
		    error_message = $4,
		    updated_at = now(),
		    completed_at = CASE WHEN $3::text = 'completed' THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		UUIDToPgtype(id),
		string(expected),
		string(next),
		StringPtrToPgtext(errorMessage),
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	exists, err := r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, job.ErrJobNotFound
	}
	return nil, job.ErrStatusConflict
}

func (r *Repository) SetAudioKey(ctx context.Context, id uuid.UUID, key string) error {
	tag, err := r.db.Exec(ctx, `UPDATE jobs SET audio_key = $2, updated_at = now() WHERE id = $1`, UUIDToPgtype(id), key)
	if err != nil {
		return fmt.Errorf("failed to set audio key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (r *Repository) SetTranscript(ctx context.Context, id uuid.UUID, transcript *job.Transcript) error {
	payload, err := JSONBFrom(transcript)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE jobs SET transcript = $2, updated_at = now() WHERE id = $1`, UUIDToPgtype(id), payload)
	if err != nil {
		return fmt.Errorf("failed to set transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// === Segment ===

func (r *Repository) CreateSegments(ctx context.Context, jobID uuid.UUID, segments []*job.Segment) error {
	_, err := Transact(ctx, r.db, func(tx *Repository, locks *LockManager) (struct{}, error) {
		if err := locks.Acquire(ctx, GenerateLockID("segments", jobID.String())); err != nil {
			return struct{}{}, err
		}

		exists, err := tx.exists(ctx, `SELECT EXISTS (SELECT 1 FROM segments WHERE job_id = $1)`, jobID)
		if err != nil {
			return struct{}{}, err
		}
		if exists {
			return struct{}{}, job.ErrSegmentsExist
		}

		for _, s := range segments {
			if s.ID == uuid.Nil {
				s.ID = uuid.New()
			}
			s.JobID = jobID

			var createdAt pgtype.Timestamptz
			err := tx.db.QueryRow(ctx, `
				INSERT INTO segments (id, job_id, ordinal, title, description, rationale, start_seconds, end_seconds)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING created_at`,
				UUIDToPgtype(s.ID),
				UUIDToPgtype(jobID),
				s.Ordinal,
				s.Title,
				s.Description,
				s.Rationale,
				s.StartSeconds,
				s.EndSeconds,
			).Scan(&createdAt)
			if err != nil {
				return struct{}{}, fmt.Errorf("failed to insert segment %d: %w", s.Ordinal, err)
			}
			s.CreatedAt = PgtimestamptzToTime(createdAt)
		}
		return struct{}{}, nil
	})
	return err
}

func (r *Repository) ListSegments(ctx context.Context, jobID uuid.UUID) ([]*job.Segment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+segmentColumns+` FROM segments WHERE job_id = $1 ORDER BY ordinal`, UUIDToPgtype(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var result []*job.Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate segments: %w", err)
	}
	return result, nil
}

// === RenderOutput ===

func (r *Repository) CreateRenderOutput(ctx context.Context, out *job.RenderOutput) error {
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	if out.Status == "" {
		out.Status = job.RenderPending
	}

	var createdAt, updatedAt pgtype.Timestamptz
	err := r.db.QueryRow(ctx, `
		INSERT INTO render_outputs (id, segment_id, job_id, render_handle, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		UUIDToPgtype(out.ID),
		UUIDToPgtype(out.SegmentID),
		UUIDToPgtype(out.JobID),
		StringPtrToPgtext(out.RenderHandle),
		string(out.Status),
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return job.ErrRenderOutputExists
		}
		return fmt.Errorf("failed to create render output: %w", err)
	}

	out.CreatedAt = PgtimestamptzToTime(createdAt)
	out.UpdatedAt = PgtimestamptzToTime(updatedAt)
	return nil
}

func (r *Repository) FindRenderOutputBySegment(ctx context.Context, segmentID uuid.UUID) (mo.Option[*job.RenderOutput], error) {
	row := r.db.QueryRow(ctx, `SELECT `+renderOutputColumns+` FROM render_outputs WHERE segment_id = $1`, UUIDToPgtype(segmentID))
	out, err := scanRenderOutput(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return mo.None[*job.RenderOutput](), nil
		}
		return mo.None[*job.RenderOutput](), fmt.Errorf("failed to find render output: %w", err)
	}
	return mo.Some(out), nil
}

func (r *Repository) GetRenderOutput(ctx context.Context, id uuid.UUID) (*job.RenderOutput, error) {
	row := r.db.QueryRow(ctx, `SELECT `+renderOutputColumns+` FROM render_outputs WHERE id = $1`, UUIDToPgtype(id))
	out, err := scanRenderOutput(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, job.ErrRenderOutputNotFound
		}
		return nil, fmt.Errorf("failed to get render output: %w", err)
	}
	return out, nil
}

func (r *Repository) ListRenderOutputs(ctx context.Context, jobID uuid.UUID) ([]*job.RenderOutput, error) {
	rows, err := r.db.Query(ctx, `SELECT `+renderOutputColumns+` FROM render_outputs WHERE job_id = $1 ORDER BY created_at, id`, UUIDToPgtype(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to list render outputs: %w", err)
	}
	defer rows.Close()

	var result []*job.RenderOutput
	for rows.Next() {
		out, err := scanRenderOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render output: %w", err)
		}
		result = append(result, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate render outputs: %w", err)
	}
	return result, nil
}

func (r *Repository) SetRenderHandle(ctx context.Context, id uuid.UUID, handle string) error {
	tag, err := r.db.Exec(ctx, `UPDATE render_outputs SET render_handle = $2, updated_at = now() WHERE id = $1`, UUIDToPgtype(id), handle)
	if err != nil {
		return fmt.Errorf("failed to set render handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrRenderOutputNotFound
	}
	return nil
}

func (r *Repository) TransitionRenderOutput(ctx context.Context, id uuid.UUID, from, to job.RenderStatus, update job.RenderUpdate) (*job.RenderOutput, error) {
	if !job.CanTransitionRender(from, to) {
		return nil, &job.TransitionError{From: string(from), To: string(to)}
	}
	if to == job.RenderCompleted && update.OutputKey == nil {
		return nil, errors.New("completed render output requires an output key")
	}

	row := r.db.QueryRow(ctx, `
		UPDATE render_outputs
		SET status = $3,
		    output_key = COALESCE($4, output_key),
		    error_message = COALESCE($5, error_message),
		    updated_at = now(),
		    completed_at = CASE WHEN $3::text IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2
		RETURNING `+renderOutputColumns,
		UUIDToPgtype(id),
		string(from),
		string(to),
		StringPtrToPgtext(update.OutputKey),
		StringPtrToPgtext(update.ErrorMessage),
	)
	out, err := scanRenderOutput(row)
	if err == nil {
		return out, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to transition render output: %w", err)
	}

	exists, err := r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM render_outputs WHERE id = $1)`, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, job.ErrRenderOutputNotFound
	}
	return nil, job.ErrStatusConflict
}

// === Retention ===

func (r *Repository) ListOutputKeysCompletedSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT ro.output_key
		FROM render_outputs ro
		JOIN jobs j ON j.id = ro.job_id
		WHERE j.completed_at >= $1 AND ro.output_key IS NOT NULL`,
		TimeToPgtimestamptz(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list retained output keys: %w", err)
	}
	defer rows.Close()

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect retained output keys: %w", err)
	}
	return keys, nil
}

func (r *Repository) exists(ctx context.Context, query string, id uuid.UUID) (bool, error) {
	var ok bool
	if err := r.db.QueryRow(ctx, query, UUIDToPgtype(id)).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return ok, nil
}

// === scan ===

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		id           pgtype.UUID
		mediaKind    string
		status       string
		errorMessage pgtype.Text
		config       []byte
		originalKey  string
		audioKey     pgtype.Text
		transcript   []byte
		createdAt    pgtype.Timestamptz
		updatedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&id, &mediaKind, &status, &errorMessage, &config, &originalKey, &audioKey, &transcript, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	cfg, err := JSONBTo[job.Config](config)
	if err != nil {
		return nil, err
	}
	t, err := JSONBTo[job.Transcript](transcript)
	if err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:           PgtypeToUUID(id),
		MediaKind:    job.MediaKind(mediaKind),
		Status:       job.Status(status),
		ErrorMessage: PgtextToStringPtr(errorMessage),
		OriginalKey:  originalKey,
		AudioKey:     PgtextToStringPtr(audioKey),
		Transcript:   t,
		CreatedAt:    PgtimestamptzToTime(createdAt),
		UpdatedAt:    PgtimestamptzToTime(updatedAt),
		CompletedAt:  PgtimestamptzToTimePtr(completedAt),
	}
	if cfg != nil {
		j.Config = *cfg
	}
	return j, nil
}

func scanSegment(row pgx.Row) (*job.Segment, error) {
	var (
		id, jobID pgtype.UUID
		s         job.Segment
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &jobID, &s.Ordinal, &s.Title, &s.Description, &s.Rationale, &s.StartSeconds, &s.EndSeconds, &createdAt); err != nil {
		return nil, err
	}
	s.ID = PgtypeToUUID(id)
	s.JobID = PgtypeToUUID(jobID)
	s.CreatedAt = PgtimestamptzToTime(createdAt)
	return &s, nil
}

func scanRenderOutput(row pgx.Row) (*job.RenderOutput, error) {
	var (
		id, segmentID, jobID pgtype.UUID
		handle               pgtype.Text
		status               string
		outputKey            pgtype.Text
		errorMessage         pgtype.Text
		createdAt, updatedAt pgtype.Timestamptz
		completedAt          pgtype.Timestamptz
	)
	if err := row.Scan(&id, &segmentID, &jobID, &handle, &status, &outputKey, &errorMessage, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	return &job.RenderOutput{
		ID:           PgtypeToUUID(id),
		SegmentID:    PgtypeToUUID(segmentID),
		JobID:        PgtypeToUUID(jobID),
		RenderHandle: PgtextToStringPtr(handle),
		Status:       job.RenderStatus(status),
		OutputKey:    PgtextToStringPtr(outputKey),
		ErrorMessage: PgtextToStringPtr(errorMessage),
		CreatedAt:    PgtimestamptzToTime(createdAt),
		UpdatedAt:    PgtimestamptzToTime(updatedAt),
		CompletedAt:  PgtimestamptzToTimePtr(completedAt),
	}, nil
}
