package shotstack

import (
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
)

type edit struct {
	Timeline timeline `json:"timeline"`
	Output   output   `json:"output"`
}

type timeline struct {
	Background string  `json:"background,omitempty"`
	Tracks     []track `json:"tracks"`
}

type track struct {
	Clips []clip `json:"clips"`
}

type clip struct {
	Asset  asset   `json:"asset"`
	Start  float64 `json:"start"`
	Length float64 `json:"length"`
	Fit    string  `json:"fit,omitempty"`
	Effect string  `json:"effect,omitempty"`
}

type asset struct {
	Type   string   `json:"type"`
	Src    string   `json:"src,omitempty"`
	Trim   float64  `json:"trim,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
	Text   string   `json:"text,omitempty"`
	Style  string   `json:"style,omitempty"`
}

type output struct {
	Format string `json:"format"`
	Size   size   `json:"size"`
}

type size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type submitResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Response struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"response"`
}

type statusResponse struct {
	Success  bool `json:"success"`
	Response struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		URL      string `json:"url"`
		Error    string `json:"error"`
		Progress int    `json:"progress"`
	} `json:"response"`
}

// buildEdit はレンダリング内容を組み立てる
// 動画は元メディアの区間をトリムする。音声は黒背景に波形とタイトルを重ねて動画化する
func (r *Renderer) buildEdit(req pipeline.RenderRequest, length float64) edit {
	out := output{
		Format: "mp4",
		Size:   size{Width: r.config.Width, Height: r.config.Height},
	}

	if req.MediaKind == job.MediaKindAudio {
		volume := 1.0
		tracks := []track{}
		if req.Title != "" {
			tracks = append(tracks, track{Clips: []clip{{
				Asset:  asset{Type: "title", Text: req.Title, Style: "minimal"},
				Start:  0,
				Length: length,
			}}})
		}
		tracks = append(tracks, track{Clips: []clip{{
			Asset:  asset{Type: "audio", Src: req.SourceURL, Trim: req.StartSeconds, Volume: &volume},
			Start:  0,
			Length: length,
			Effect: "waveform",
		}}})

		return edit{
			Timeline: timeline{Background: "#000000", Tracks: tracks},
			Output:   out,
		}
	}

	return edit{
		Timeline: timeline{Tracks: []track{{Clips: []clip{{
			Asset:  asset{Type: "video", Src: req.SourceURL, Trim: req.StartSeconds},
			Start:  0,
			Length: length,
			Fit:    "crop",
		}}}}},
		Output: out,
	}
}
