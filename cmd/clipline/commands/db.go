package commands

import (
	"context"
	"fmt"

	"github.com/jinford/clipline/internal/infra/postgres"
	"github.com/jinford/clipline/internal/platform/container"
	"github.com/jinford/clipline/internal/platform/database"
	"github.com/urfave/cli/v3"
)

// DBMigrateAction はスキーマを適用する
// 他の依存先には接続しない
func DBMigrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, appLogger, err := loadConfig(cmd.String("env"))
	if err != nil {
		return err
	}

	db, err := database.New(ctx, container.DatabaseParams(cfg))
	if err != nil {
		return fmt.Errorf("データベース接続に失敗: %w", err)
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db.Pool); err != nil {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}

	appLogger.Info("マイグレーションが完了しました", "database", cfg.Database.DBName)
	return nil
}
