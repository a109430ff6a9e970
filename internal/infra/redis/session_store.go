// Package redis はマルチパートアップロードのセッションを Redis に保持する
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jinford/clipline/internal/core/upload"
	"github.com/redis/go-redis/v9"
	"github.com/samber/mo"
)

const keyPrefix = "clipline:upload:"

var _ upload.SessionStore = (*SessionStore)(nil)

// Config は接続設定
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient は Redis クライアントを作成し、疎通を確認する
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// SessionStore は upload.SessionStore の Redis 実装
// セッションは TTL 付きで保存され、期限切れ後は存在しないアップロードとして扱われる
type SessionStore struct {
	client redis.UniversalClient
}

// NewSessionStore は SessionStore を作成する
func NewSessionStore(client redis.UniversalClient) *SessionStore {
	return &SessionStore{client: client}
}

// Save はセッションを保存する
func (s *SessionStore) Save(ctx context.Context, session *upload.Session, ttl time.Duration) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, sessionKey(session.UploadID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save upload session: %w", err)
	}
	return nil
}

// Get はセッションを取得する
func (s *SessionStore) Get(ctx context.Context, uploadID string) (mo.Option[*upload.Session], error) {
	data, err := s.client.Get(ctx, sessionKey(uploadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return mo.None[*upload.Session](), nil
		}
		return mo.None[*upload.Session](), fmt.Errorf("failed to get upload session: %w", err)
	}

	session, err := decodeSession(data)
	if err != nil {
		return mo.None[*upload.Session](), err
	}
	return mo.Some(session), nil
}

// Delete はセッションを削除する。存在しなくてもエラーにしない
func (s *SessionStore) Delete(ctx context.Context, uploadID string) error {
	if err := s.client.Del(ctx, sessionKey(uploadID)).Err(); err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}

func sessionKey(uploadID string) string {
	return keyPrefix + uploadID
}

func encodeSession(session *upload.Session) ([]byte, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*upload.Session, error) {
	var session upload.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode upload session: %w", err)
	}
	return &session, nil
}
