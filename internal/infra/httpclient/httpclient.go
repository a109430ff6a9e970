// Package httpclient は外部 HTTP API 呼び出しの共通処理をまとめる
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jinford/clipline/internal/core/job"
)

// maxErrorBody はエラーメッセージに含めるレスポンス本文の上限
const maxErrorBody = 512

// StatusError は 2xx 以外のレスポンス
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// IsRetryableStatus は 429 と 5xx を一時的な失敗として扱う
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// New はタイムアウト付きのクライアントを返す
func New(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Do はリクエストを送信し、2xx 以外とネットワークエラーを分類済みのエラーにして返す
// 成功時のレスポンス本文は呼び出し側が閉じる
func Do(client *http.Client, req *http.Request, op string) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, Classify(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
		if IsRetryableStatus(resp.StatusCode) {
			return nil, job.Transient(op, statusErr)
		}
		return nil, job.Permanent(op, statusErr)
	}
	return resp, nil
}

// Classify は送信時のエラーを分類する
// キャンセルはそのまま返し、タイムアウトとネットワークエラーは一時的な失敗とする
func Classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return job.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return job.Transient(op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return job.Transient(op, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return job.Transient(op, err)
	}
	return job.Permanent(op, err)
}
