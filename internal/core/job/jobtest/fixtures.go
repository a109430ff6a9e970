package jobtest

import (
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
)

// TestJob はテスト用の Job を生成します
func TestJob(kind job.MediaKind, status job.Status) *job.Job {
	id := uuid.New()
	name := "talk.mp4"
	if kind == job.MediaKindAudio {
		name = "talk.mp3"
	}
	return &job.Job{
		ID:          id,
		MediaKind:   kind,
		Status:      status,
		Config:      job.Config{}.WithDefaults(),
		OriginalKey: storage.UploadKey(id, name),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// TestTranscript はテスト用の Transcript を生成します
func TestTranscript(duration float64) *job.Transcript {
	return &job.Transcript{
		FullText: "hello world",
		Words: []job.Word{
			{Text: "hello", Start: 0, End: 0.5},
			{Text: "world", Start: 0.6, End: 1.0},
		},
		Metadata: job.TranscriptMetadata{
			Duration:            duration,
			Language:            "en",
			LanguageProbability: 0.98,
			TranscriptionID:     "tr_test",
		},
	}
}

// TestSegment はテスト用の Segment を生成します
func TestSegment(jobID uuid.UUID, ordinal int, start, end float64) *job.Segment {
	return &job.Segment{
		ID:           uuid.New(),
		JobID:        jobID,
		Ordinal:      ordinal,
		Title:        "segment",
		StartSeconds: start,
		EndSeconds:   end,
		CreatedAt:    time.Now(),
	}
}

// TestRenderOutput はテスト用の処理中 RenderOutput を生成します
func TestRenderOutput(jobID, segmentID uuid.UUID, handle string) *job.RenderOutput {
	return &job.RenderOutput{
		ID:           uuid.New(),
		SegmentID:    segmentID,
		JobID:        jobID,
		RenderHandle: &handle,
		Status:       job.RenderProcessing,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}
