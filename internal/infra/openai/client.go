// Package openai は切り抜き区間の解析を OpenAI Chat Completions で行う
package openai

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 120 * time.Second

	// DefaultTemperature は解析時の温度
	DefaultTemperature = 0.7

	// DefaultMaxTranscriptTokens はプロンプトに含める文字起こしの上限トークン数
	DefaultMaxTranscriptTokens = 100_000

	// JSONParseMaxRetries はJSON解析エラー時の最大リトライ回数
	JSONParseMaxRetries = 1
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

	// ErrInvalidResponseFormat は不正なレスポンス形式のエラー
	ErrInvalidResponseFormat = errors.New("invalid response format")

	// ErrEmptyCompletion は choices が空、または本文が空の場合のエラー
	ErrEmptyCompletion = errors.New("no completion content returned")
)

// Config は解析クライアントの設定
type Config struct {
	APIKey              string
	Model               string
	BaseURL             string
	Timeout             time.Duration
	MaxTranscriptTokens int
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Model:               DefaultModel,
		Timeout:             DefaultTimeout,
		MaxTranscriptTokens: DefaultMaxTranscriptTokens,
	}
}

func newClient(cfg Config) (openai.Client, error) {
	if cfg.APIKey == "" {
		return openai.Client{}, ErrAPIKeyNotSet
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// リトライはディスパッチャーが担う
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return openai.NewClient(opts...), nil
}

// classifyError は API エラーを一時的か恒久的かに分類する
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return job.Transient(op, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return job.Transient(op, err)
		}
		return job.Permanent(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return job.Transient(op, err)
	}
	return job.Permanent(op, err)
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
