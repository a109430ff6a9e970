package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jinford/clipline/internal/core/pipeline"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ pipeline.TaskQueue = (*Publisher)(nil)

// ErrPublishNacked はブローカーが永続化を拒否した場合のエラー
var ErrPublishNacked = errors.New("broker did not confirm publish")

// Publisher はタスクを永続メッセージとして投入する
// パブリッシャーコンファームを待ってから戻るため、戻り値 nil はブローカーに保存済みを意味する
type Publisher struct {
	mu      sync.Mutex
	channel *amqp.Channel
	config  Config
	logger  *slog.Logger
}

// NewPublisher は Publisher を作成する
func (b *Broker) NewPublisher() (*Publisher, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &Publisher{
		channel: ch,
		config:  b.config,
		logger:  b.logger,
	}, nil
}

// Enqueue はタスクを即時配送で投入する
func (p *Publisher) Enqueue(ctx context.Context, task pipeline.Task) error {
	return p.publish(ctx, p.config.Exchange, p.config.RoutingKey, task, "")
}

// EnqueueAfter は遅延キュー経由でタスクを投入する
// TTL 切れで dead-letter として作業キューに戻る
func (p *Publisher) EnqueueAfter(ctx context.Context, task pipeline.Task, delay time.Duration) error {
	if delay <= 0 {
		return p.Enqueue(ctx, task)
	}
	return p.publish(ctx, "", p.config.DelayQueue, task, expiration(delay))
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, task pipeline.Task, expiration string) error {
	body, err := EncodeTask(task)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Type:         string(task.Kind),
			Expiration:   expiration,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for publish confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}

	p.logger.Debug("タスクを投入しました", "kind", task.Kind, "jobID", task.JobID, "attempt", task.Attempt, "delayed", expiration != "")
	return nil
}

// Close はチャネルを閉じる
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Close()
}
