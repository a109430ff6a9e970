package openai

import (
	"fmt"
	"strings"

	"github.com/jinford/clipline/internal/core/pipeline"
)

const systemPrompt = "You are an expert at identifying viral and engaging content from long-form podcasts. You always respond with valid JSON."

// BuildAnalysisPrompt は区間抽出用のプロンプトを構築する
// 単語配列は送らず、全文と総再生時間だけを渡す
func BuildAnalysisPrompt(req pipeline.AnalysisRequest, transcriptText string) string {
	duration := req.DurationSeconds
	if duration <= 0 && req.Transcript != nil {
		duration = req.Transcript.Metadata.Duration
	}

	var sb strings.Builder

	sb.WriteString("Review the attached transcript of a podcast.\n\n")
	sb.WriteString(fmt.Sprintf("Use the transcript text to choose %d segments of dialogue that have the most interesting, provocative, and potentially viral content.\n\n", req.NumSegments))

	sb.WriteString("The segments should:\n")
	sb.WriteString("- Be selected to have a mostly coherent topic and thought\n")
	sb.WriteString(fmt.Sprintf("- Be between %d and %d seconds in length when spoken\n", req.MinDurationSeconds, req.MaxDurationSeconds))
	sb.WriteString("- Estimate timing based on typical speech rate (~150 words per minute)\n")
	sb.WriteString("- Have high viral potential (controversial, insightful, emotional, or surprising)\n")
	if duration > 0 {
		sb.WriteString(fmt.Sprintf("- Lie entirely within the recording, which is %.1f seconds long\n", duration))
	}
	sb.WriteString("\n")

	if instructions := strings.TrimSpace(req.CustomInstructions); instructions != "" {
		sb.WriteString("Additional instructions from the user:\n")
		sb.WriteString(instructions)
		sb.WriteString("\n\n")
	}

	sb.WriteString(fmt.Sprintf("Return ONLY a JSON object with a \"segments\" array of %d items in the following format:\n", req.NumSegments))
	sb.WriteString(`{"segments": [{"title": "Concise headline for the segment", "description": "Brief overview of what is discussed", "reasoning": "Why this segment is provocative and potentially viral", "start_time": <start_in_seconds>, "end_time": <end_in_seconds>, "duration": <end_minus_start>}]}`)
	sb.WriteString("\n\n")

	sb.WriteString("Transcript:\n")
	if duration > 0 {
		sb.WriteString(fmt.Sprintf("(total duration: %.1f seconds, %.2f minutes)\n", duration, duration/60))
	}
	sb.WriteString(transcriptText)
	sb.WriteString("\n\n")

	sb.WriteString("Remember: return ONLY the JSON, no additional text or explanation.")
	return sb.String()
}
