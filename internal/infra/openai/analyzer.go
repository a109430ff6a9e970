package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

var _ pipeline.Analyzer = (*Analyzer)(nil)

const analyzeOp = "analyze"

// Analyzer は文字起こしから切り抜き候補を抽出する
type Analyzer struct {
	client openai.Client
	config Config
	budget *TokenBudget
	logger *slog.Logger
}

// AnalyzerOption は Analyzer のオプション
type AnalyzerOption func(*Analyzer)

// WithAnalyzerLogger はロガーを設定する
func WithAnalyzerLogger(logger *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// WithTokenBudget はトークン上限の計算器を差し替える
func WithTokenBudget(budget *TokenBudget) AnalyzerOption {
	return func(a *Analyzer) {
		a.budget = budget
	}
}

// NewAnalyzer は Analyzer を作成する
// MaxTranscriptTokens が 0 の場合は文字起こしを切り詰めない
func NewAnalyzer(cfg Config, opts ...AnalyzerOption) (*Analyzer, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	a := &Analyzer{client: client, config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = loggerOrDefault(a.logger)

	if a.budget == nil && cfg.MaxTranscriptTokens > 0 {
		budget, err := NewTokenBudget(cfg.MaxTranscriptTokens)
		if err != nil {
			return nil, err
		}
		a.budget = budget
	}
	return a, nil
}

// Analyze は切り抜き候補を返す
// JSON として解釈できない応答は 1 回だけ再問い合わせし、それでも駄目なら恒久エラーにする
func (a *Analyzer) Analyze(ctx context.Context, req pipeline.AnalysisRequest) ([]pipeline.Candidate, error) {
	if req.Transcript == nil {
		return nil, job.Permanent(analyzeOp, errors.New("transcript is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	text := req.Transcript.FullText
	if a.budget != nil {
		trimmed, cut := a.budget.Trim(text)
		if cut {
			a.logger.Warn("文字起こしがトークン上限を超えたため切り詰めました", "limit", a.budget.limit)
		}
		text = trimmed
	}
	prompt := BuildAnalysisPrompt(req, text)

	var parseRetries int
	for {
		content, err := a.complete(ctx, prompt)
		if err != nil {
			return nil, err
		}

		candidates, err := ParseCandidates(content)
		if err == nil {
			a.logger.Info("切り抜き候補を取得しました", "count", len(candidates), "model", a.config.Model)
			return candidates, nil
		}

		parseRetries++
		if parseRetries > JSONParseMaxRetries {
			return nil, job.Permanent(analyzeOp, fmt.Errorf("JSON parse failed after %d retries: %w", JSONParseMaxRetries, err))
		}
		a.logger.Warn("解析結果を JSON として解釈できないため再試行します", "error", err)
	}
}

func (a *Analyzer) complete(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(DefaultTemperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	}

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyError(analyzeOp, err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		finish := ""
		if len(completion.Choices) > 0 {
			finish = string(completion.Choices[0].FinishReason)
		}
		return "", job.Permanent(analyzeOp, fmt.Errorf("%w (finish reason %q)", ErrEmptyCompletion, finish))
	}
	return completion.Choices[0].Message.Content, nil
}
