// Package shotstack は Shotstack Edit API によるクリップのレンダリングを提供する
package shotstack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
	"github.com/jinford/clipline/internal/infra/httpclient"
)

const (
	// DefaultBaseURL は API のベース URL
	DefaultBaseURL = "https://api.shotstack.io"

	// StageSandbox はサンドボックス環境、StageProduction は本番環境
	StageSandbox    = "stage"
	StageProduction = "v1"

	// DefaultTimeout は API 呼び出し1回のタイムアウト
	DefaultTimeout = 30 * time.Second

	submitOp = "render submit"
	statusOp = "render status"
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("Shotstack API key not set: please set SHOTSTACK_API_KEY environment variable")

var _ pipeline.Renderer = (*Renderer)(nil)

// Config はレンダリングクライアントの設定
type Config struct {
	APIKey  string
	BaseURL string
	Stage   string
	Timeout time.Duration
	Width   int
	Height  int
}

// DefaultConfig はデフォルト設定を返す。縦型 1080x1920 の mp4 を出力する
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Stage:   StageSandbox,
		Timeout: DefaultTimeout,
		Width:   1080,
		Height:  1920,
	}
}

// Renderer は pipeline.Renderer の Shotstack 実装
type Renderer struct {
	http   *http.Client
	config Config
	logger *slog.Logger
}

// NewRenderer は Renderer を作成する
func NewRenderer(cfg Config, logger *slog.Logger) (*Renderer, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Stage == "" {
		cfg.Stage = defaults.Stage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = defaults.Width, defaults.Height
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Renderer{
		http:   httpclient.New(cfg.Timeout),
		config: cfg,
		logger: logger,
	}, nil
}

// Submit はレンダリングを投入し、ハンドル（render id）を返す
func (r *Renderer) Submit(ctx context.Context, req pipeline.RenderRequest) (string, error) {
	length := req.EndSeconds - req.StartSeconds
	if length <= 0 {
		return "", job.Permanent(submitOp, fmt.Errorf("invalid clip window [%.2f, %.2f)", req.StartSeconds, req.EndSeconds))
	}

	payload := r.buildEdit(req, length)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", job.Permanent(submitOp, fmt.Errorf("encode payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("render"), bytes.NewReader(body))
	if err != nil {
		return "", job.Permanent(submitOp, fmt.Errorf("build request: %w", err))
	}
	r.setHeaders(httpReq)

	resp, err := httpclient.Do(r.http, httpReq, submitOp)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", job.Permanent(submitOp, fmt.Errorf("decode response: %w", err))
	}
	if result.Response.ID == "" {
		return "", job.Permanent(submitOp, fmt.Errorf("response did not include a render id: %s", result.Message))
	}

	r.logger.Info("レンダリングを投入しました",
		"renderID", result.Response.ID,
		"mediaKind", req.MediaKind,
		"start", req.StartSeconds,
		"end", req.EndSeconds,
	)
	return result.Response.ID, nil
}

// Status はレンダリングの状態を返す
func (r *Renderer) Status(ctx context.Context, handle string) (*pipeline.RenderReport, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("render/"+url.PathEscape(handle)), nil)
	if err != nil {
		return nil, job.Permanent(statusOp, fmt.Errorf("build request: %w", err))
	}
	r.setHeaders(httpReq)

	resp, err := httpclient.Do(r.http, httpReq, statusOp)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, job.Permanent(statusOp, fmt.Errorf("decode response: %w", err))
	}

	return &pipeline.RenderReport{
		State:    mapStatus(result.Response.Status),
		URL:      result.Response.URL,
		Error:    result.Response.Error,
		Progress: result.Response.Progress,
	}, nil
}

func (r *Renderer) endpoint(path string) string {
	return fmt.Sprintf("%s/edit/%s/%s", r.config.BaseURL, r.config.Stage, path)
}

func (r *Renderer) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", r.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// mapStatus は Shotstack の状態をパイプラインの状態に変換する
// fetching / rendering / saving などは処理中として扱う
func mapStatus(status string) pipeline.RenderState {
	switch status {
	case "done":
		return pipeline.RenderStateDone
	case "failed":
		return pipeline.RenderStateFailed
	case "queued":
		return pipeline.RenderStateQueued
	default:
		return pipeline.RenderStateInProgress
	}
}
