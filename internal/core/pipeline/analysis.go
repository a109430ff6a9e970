package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
)

// ErrNoValidSegments は解析結果に有効な区間が1件もない場合のエラー
var ErrNoValidSegments = errors.New("analysis returned no valid segments")

// AnalysisPolicy は解析結果の検証方針
type AnalysisPolicy struct {
	// DurationEpsilon は申告された区間長と end-start の許容誤差（秒）
	DurationEpsilon float64

	// StrictDuration が true のとき、誤差を超えた候補を捨てる。false なら警告のみ
	StrictDuration bool
}

// DefaultAnalysisPolicy は既定の方針を返す
func DefaultAnalysisPolicy() AnalysisPolicy {
	return AnalysisPolicy{DurationEpsilon: 0.5}
}

// SelectSegments は解析候補を検証し、保存するセグメントに変換する
// mediaDuration が 0 以下のときは終了時刻の切り詰めを行わない
func SelectSegments(
	jobID uuid.UUID,
	candidates []Candidate,
	cfg job.Config,
	mediaDuration float64,
	policy AnalysisPolicy,
	logger *slog.Logger,
) ([]*job.Segment, error) {
	segments := make([]*job.Segment, 0, min(len(candidates), cfg.NumSegments))
	maxDuration := float64(cfg.MaxDurationSeconds)

	for i, c := range candidates {
		if len(segments) >= cfg.NumSegments {
			logger.Warn("要求数を超えた候補を切り捨てます",
				"jobID", jobID,
				"requested", cfg.NumSegments,
				"returned", len(candidates),
			)
			break
		}

		start, end := c.StartTime, c.EndTime
		if c.Duration != nil {
			declared, computed := *c.Duration, end-start
			if math.Abs(declared-computed) > policy.DurationEpsilon {
				logger.Warn("申告された区間長と開始・終了時刻が一致しません",
					"jobID", jobID,
					"index", i,
					"declared", declared,
					"computed", computed,
				)
				if policy.StrictDuration {
					continue
				}
			}
		}

		if mediaDuration > 0 && end > mediaDuration {
			end = mediaDuration
		}
		if start < 0 || end <= start {
			logger.Warn("不正な区間を捨てます",
				"jobID", jobID,
				"index", i,
				"start", start,
				"end", end,
			)
			continue
		}
		if maxDuration > 0 && end-start > maxDuration {
			end = start + maxDuration
		}

		if n := len(segments); n > 0 && start < segments[n-1].EndSeconds {
			logger.Warn("直前の区間と重なっています",
				"jobID", jobID,
				"index", i,
				"start", start,
				"previousEnd", segments[n-1].EndSeconds,
			)
		}

		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = fmt.Sprintf("Segment %d", len(segments)+1)
		}

		segments = append(segments, &job.Segment{
			ID:           uuid.New(),
			JobID:        jobID,
			Ordinal:      len(segments) + 1,
			Title:        title,
			Description:  strings.TrimSpace(c.Description),
			Rationale:    strings.TrimSpace(c.Reasoning),
			StartSeconds: start,
			EndSeconds:   end,
		})
	}

	if len(segments) == 0 {
		return nil, job.Permanent("analyze", ErrNoValidSegments)
	}
	return segments, nil
}
