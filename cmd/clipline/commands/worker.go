package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// WorkerStartAction はキューからタスクを取り出して処理するワーカーを起動する
// シグナルを受けると処理中のタスクを終えてから終了する
func WorkerStartAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	consumer, err := appCtx.Container.NewConsumer()
	if err != nil {
		return fmt.Errorf("ワーカーの初期化に失敗: %w", err)
	}
	defer consumer.Close()

	return consumer.Start(ctx)
}
