package shotstack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jinford/clipline/internal/core/pipeline"
)

// RateLimiter は1分あたりのリクエスト数を制限するトークンバケット
type RateLimiter struct {
	mu sync.Mutex

	// maxRequestsPerMinute は1分あたりの最大リクエスト数
	maxRequestsPerMinute int

	tokens     int
	lastRefill time.Time
	waiting    int

	now      func() time.Time
	retryGap time.Duration
}

// NewRateLimiter は新しいRateLimiterを作成する
// 0 以下を指定した場合は制限しない
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxRequestsPerMinute: maxRequestsPerMinute,
		tokens:               maxRequestsPerMinute,
		lastRefill:           time.Now(),
		now:                  time.Now,
		retryGap:             time.Second,
	}
}

// Wait はトークンを1つ取得するまで待機する
// contextがキャンセルされた場合はエラーを返す
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.maxRequestsPerMinute <= 0 {
		return nil
	}

	rl.mu.Lock()
	for {
		rl.refillTokens()
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}

		rl.waiting++
		rl.mu.Unlock()

		select {
		case <-time.After(rl.retryGap):
		case <-ctx.Done():
			rl.mu.Lock()
			rl.waiting--
			rl.mu.Unlock()
			return ctx.Err()
		}

		rl.mu.Lock()
		rl.waiting--
	}
}

// refillTokens はトークンを補充する
// 呼び出し側でロックを取得していることを前提とする
func (rl *RateLimiter) refillTokens() {
	elapsed := rl.now().Sub(rl.lastRefill)
	if elapsed < time.Minute {
		return
	}

	minutes := int(elapsed.Minutes())
	rl.tokens = min(rl.tokens+minutes*rl.maxRequestsPerMinute, rl.maxRequestsPerMinute)
	rl.lastRefill = rl.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

// Status は現在の状態を返す
func (rl *RateLimiter) Status() RateLimiterStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillTokens()
	return RateLimiterStatus{
		MaxRequestsPerMinute: rl.maxRequestsPerMinute,
		AvailableTokens:      rl.tokens,
		WaitingRequests:      rl.waiting,
	}
}

// RateLimiterStatus はレート制限の状態
type RateLimiterStatus struct {
	MaxRequestsPerMinute int
	AvailableTokens      int
	WaitingRequests      int
}

func (s RateLimiterStatus) String() string {
	return fmt.Sprintf("RateLimiter: max=%d/min, available=%d, waiting=%d",
		s.MaxRequestsPerMinute, s.AvailableTokens, s.WaitingRequests)
}

var _ pipeline.Renderer = (*ThrottledRenderer)(nil)

// ThrottledRenderer は投入と状態確認の両方をレート制限する
type ThrottledRenderer struct {
	renderer pipeline.Renderer
	limiter  *RateLimiter
}

// NewThrottledRenderer はレート制限付きのレンダラーを作成する
func NewThrottledRenderer(renderer pipeline.Renderer, limiter *RateLimiter) *ThrottledRenderer {
	return &ThrottledRenderer{renderer: renderer, limiter: limiter}
}

// Submit はレート制限に従ってレンダリングを投入する
func (t *ThrottledRenderer) Submit(ctx context.Context, req pipeline.RenderRequest) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return t.renderer.Submit(ctx, req)
}

// Status はレート制限に従って状態を問い合わせる
func (t *ThrottledRenderer) Status(ctx context.Context, handle string) (*pipeline.RenderReport, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return t.renderer.Status(ctx, handle)
}
