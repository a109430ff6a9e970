package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jinford/clipline/internal/core/pipeline"
)

// arrayKeys は候補配列を探すキーの優先順
var arrayKeys = []string{"segments", "results", "clips"}

type rawCandidate struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Reasoning   string   `json:"reasoning"`
	StartTime   flexNum  `json:"start_time"`
	EndTime     flexNum  `json:"end_time"`
	Duration    *flexNum `json:"duration"`
}

// flexNum は数値と数値文字列の両方を受け付ける
type flexNum float64

func (n *flexNum) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = flexNum(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("not a number: %s", data)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*n = flexNum(f)
	return nil
}

// ParseCandidates は解析レスポンスから候補を取り出す
// 配列そのもの、または segments / results / clips、あるいは任意の配列値を持つオブジェクトを受け付ける
func ParseCandidates(content string) ([]pipeline.Candidate, error) {
	content = strings.TrimSpace(stripCodeFence(content))

	var raws []rawCandidate
	if err := json.Unmarshal([]byte(content), &raws); err == nil {
		return toCandidates(raws), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
	}

	for _, key := range arrayKeys {
		if v, ok := obj[key]; ok {
			if err := json.Unmarshal(v, &raws); err != nil {
				return nil, fmt.Errorf("%w: %s is not a segment array: %v", ErrInvalidResponseFormat, key, err)
			}
			return toCandidates(raws), nil
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := json.Unmarshal(obj[k], &raws); err == nil {
			return toCandidates(raws), nil
		}
	}

	return nil, fmt.Errorf("%w: could not find segments array in response", ErrInvalidResponseFormat)
}

func toCandidates(raws []rawCandidate) []pipeline.Candidate {
	candidates := make([]pipeline.Candidate, 0, len(raws))
	for _, r := range raws {
		c := pipeline.Candidate{
			Title:       strings.TrimSpace(r.Title),
			Description: r.Description,
			Reasoning:   r.Reasoning,
			StartTime:   float64(r.StartTime),
			EndTime:     float64(r.EndTime),
		}
		if r.Duration != nil {
			d := float64(*r.Duration)
			c.Duration = &d
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// stripCodeFence は ```json ... ``` で囲まれた応答から中身を取り出す
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
