package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenBudget はテキストを上限トークン数に収める
type TokenBudget struct {
	encoding *tiktoken.Tiktoken
	limit    int
}

// NewTokenBudget は cl100k_base エンコーディングで TokenBudget を作成する
func NewTokenBudget(limit int) (*TokenBudget, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &TokenBudget{encoding: encoding, limit: limit}, nil
}

// CountTokens はテキストのトークン数をカウントする
func (b *TokenBudget) CountTokens(text string) int {
	return len(b.encoding.Encode(text, nil, nil))
}

// Trim は上限を超える部分を切り捨てる。切り捨てたかどうかも返す
func (b *TokenBudget) Trim(text string) (string, bool) {
	if b.limit <= 0 {
		return text, false
	}
	tokens := b.encoding.Encode(text, nil, nil)
	if len(tokens) <= b.limit {
		return text, false
	}
	return b.encoding.Decode(tokens[:b.limit]), true
}
