package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jinford/clipline/internal/core/pipeline"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TaskHandler はデコード済みタスクを処理する
// nil は処理済み、エラーは再配送を意味する
type TaskHandler interface {
	Dispatch(ctx context.Context, task pipeline.Task) error
}

// ErrDeliveriesClosed はブローカー側で配送が止まった場合のエラー
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Consumer は作業キューからタスクを受け取り、同時実行数を制限して処理する
type Consumer struct {
	channel *amqp.Channel
	config  Config
	handler TaskHandler
	logger  *slog.Logger
	tag     string
}

// NewConsumer は Consumer を作成する
// prefetch と同数のハンドラを並行実行する
func (b *Broker) NewConsumer(handler TaskHandler) (*Consumer, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	prefetch := b.config.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	cfg := b.config
	cfg.Prefetch = prefetch
	return &Consumer{
		channel: ch,
		config:  cfg,
		handler: handler,
		logger:  b.logger,
		tag:     "clipline-worker",
	}, nil
}

// Start は ctx がキャンセルされるまでタスクを処理する
// キャンセル後は処理中のタスクを待ってから戻る
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.Consume(
		c.config.Queue,
		c.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("ワーカーを開始しました", "queue", c.config.Queue, "prefetch", c.config.Prefetch)

	var (
		wg      sync.WaitGroup
		closed  = make(chan struct{})
		closeMu sync.Once
	)
	for range c.config.Prefetch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.handle(ctx, d)
			}
			closeMu.Do(func() { close(closed) })
		}()
	}

	var result error
	select {
	case <-ctx.Done():
		if err := c.channel.Cancel(c.tag, false); err != nil {
			c.logger.Warn("コンシューマの停止に失敗しました", "error", err)
		}
	case <-closed:
		result = ErrDeliveriesClosed
	}

	wg.Wait()
	c.logger.Info("ワーカーを停止しました")
	return result
}

// handle は 1 件の配送を処理し、結果に応じて ack / nack する
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	task, err := DecodeTask(d.Body)
	if err != nil {
		c.logger.Error("タスクをデコードできないため破棄します", "error", err, "messageType", d.Type)
		c.settle(d.Nack(false, false))
		return
	}

	if err := c.handler.Dispatch(ctx, task); err != nil {
		c.logger.Warn("タスクを再配送します", "kind", task.Kind, "jobID", task.JobID, "redelivered", d.Redelivered, "error", err)
		c.settle(d.Nack(false, true))
		return
	}

	c.settle(d.Ack(false))
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Error("メッセージの応答に失敗しました", "error", err)
	}
}

// Close はチャネルを閉じる
func (c *Consumer) Close() error {
	return c.channel.Close()
}
