package httpapi

import (
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
)

type jobResponse struct {
	ID           string     `json:"id"`
	MediaKind    string     `json:"mediaKind"`
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	Config       job.Config `json:"config"`
	OriginalKey  string     `json:"originalKey"`
	AudioKey     *string    `json:"audioKey,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func toJobResponse(j *job.Job) jobResponse {
	return jobResponse{
		ID:           j.ID.String(),
		MediaKind:    string(j.MediaKind),
		Status:       string(j.Status),
		ErrorMessage: j.ErrorMessage,
		Config:       j.Config,
		OriginalKey:  j.OriginalKey,
		AudioKey:     j.AudioKey,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

type renderResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	OutputKey    *string    `json:"outputKey,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type segmentResponse struct {
	ID           string          `json:"id"`
	Ordinal      int             `json:"ordinal"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	StartSeconds float64         `json:"startSeconds"`
	EndSeconds   float64         `json:"endSeconds"`
	Render       *renderResponse `json:"render,omitempty"`
}

type jobStatusResponse struct {
	Job      jobResponse       `json:"job"`
	Segments []segmentResponse `json:"segments"`
}

func toJobStatusResponse(s *pipeline.JobStatus) jobStatusResponse {
	resp := jobStatusResponse{
		Job:      toJobResponse(s.Job),
		Segments: make([]segmentResponse, 0, len(s.Segments)),
	}
	for _, ss := range s.Segments {
		seg := segmentResponse{
			ID:           ss.Segment.ID.String(),
			Ordinal:      ss.Segment.Ordinal,
			Title:        ss.Segment.Title,
			Description:  ss.Segment.Description,
			StartSeconds: ss.Segment.StartSeconds,
			EndSeconds:   ss.Segment.EndSeconds,
		}
		if r := ss.Render; r != nil {
			seg.Render = &renderResponse{
				ID:           r.ID.String(),
				Status:       string(r.Status),
				OutputKey:    r.OutputKey,
				ErrorMessage: r.ErrorMessage,
				UpdatedAt:    r.UpdatedAt,
				CompletedAt:  r.CompletedAt,
			}
		}
		resp.Segments = append(resp.Segments, seg)
	}
	return resp
}

type clipResponse struct {
	SegmentID    string     `json:"segmentId"`
	RenderID     string     `json:"renderId"`
	Ordinal      int        `json:"ordinal"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	StartSeconds float64    `json:"startSeconds"`
	EndSeconds   float64    `json:"endSeconds"`
	URL          string     `json:"url"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func toClipResponses(clips []pipeline.Clip) []clipResponse {
	out := make([]clipResponse, 0, len(clips))
	for _, c := range clips {
		out = append(out, clipResponse{
			SegmentID:    c.SegmentID.String(),
			RenderID:     c.RenderID.String(),
			Ordinal:      c.Ordinal,
			Title:        c.Title,
			Description:  c.Description,
			StartSeconds: c.StartSeconds,
			EndSeconds:   c.EndSeconds,
			URL:          c.URL,
			CompletedAt:  c.CompletedAt,
		})
	}
	return out
}

type taskResponse struct {
	Kind           string `json:"kind"`
	JobID          string `json:"jobId"`
	RenderOutputID string `json:"renderOutputId,omitempty"`
}

func toTaskResponses(tasks []pipeline.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		tr := taskResponse{Kind: string(t.Kind), JobID: t.JobID.String()}
		if t.RenderOutputID != uuid.Nil {
			tr.RenderOutputID = t.RenderOutputID.String()
		}
		out = append(out, tr)
	}
	return out
}
