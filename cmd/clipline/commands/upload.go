package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
	"github.com/jinford/clipline/internal/core/upload"
	"github.com/urfave/cli/v3"
)

// UploadFileAction はローカルファイルをマルチパートでアップロードし、ジョブを作成する
func UploadFileAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("path")

	name := filepath.Base(path)
	if _, err := job.DetectMediaKind(name); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ファイルを開けません: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("ファイル情報の取得に失敗: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	uploaderCfg := upload.DefaultUploaderConfig()
	uploaderCfg.Workers = appCtx.Config.Upload.Concurrency
	if n := cmd.Int("workers"); n > 0 {
		uploaderCfg.Workers = int(n)
	}
	uploader := upload.NewUploader(appCtx.Container.Coordinator, uploaderCfg,
		upload.WithUploaderLogger(appCtx.Logger()),
	)

	jobID := uuid.New()
	key := storage.UploadKey(jobID, name)

	appCtx.Logger().Info("アップロードを開始します",
		"path", path,
		"size", info.Size(),
		"key", key,
		"workers", uploaderCfg.Workers,
	)

	session, err := uploader.Upload(ctx, f, upload.InitiateParams{
		Key:         key,
		Size:        info.Size(),
		ContentType: job.ContentTypeFor(name),
		PartSize:    cmd.Int64("part-size"),
	})
	if err != nil {
		return fmt.Errorf("アップロードに失敗: %w", err)
	}

	appCtx.Logger().Info("アップロードが完了しました", "key", session.Key, "parts", session.NumParts)

	created, err := appCtx.Container.Service.FinalizeJobFromUpload(ctx, jobID, session.Key, jobConfigFromFlags(cmd))
	if created == nil {
		return fmt.Errorf("ジョブの作成に失敗: %w", err)
	}
	if err != nil {
		appCtx.Logger().Warn("ジョブは作成されましたがタスクの投入に失敗しました。job resume で再投入してください",
			"jobID", created.ID,
			"error", err,
		)
	}

	renderJob(os.Stdout, created)
	return nil
}
