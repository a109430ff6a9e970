package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jinford/clipline/internal/core/lifecycle"
	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

// CleanupRunAction は保持期間を過ぎたオブジェクトの削除を1回実行する
func CleanupRunAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	retentionDays := appCtx.Config.Lifecycle.RetentionDays
	if cmd.IsSet("retention-days") {
		retentionDays = int(cmd.Int("retention-days"))
	}
	dryRun := cmd.Bool("dry-run")

	if !dryRun && !cmd.Bool("yes") {
		ok, err := confirmDeletion(retentionDays)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("中止しました")
			return nil
		}
	}

	scheduler := lifecycle.NewScheduler(appCtx.Container.Lifecycle, lifecycle.ScheduleConfig{
		RetentionDays:  retentionDays,
		StaleUploadAge: appCtx.Config.Lifecycle.StaleUploadAge,
		DryRun:         dryRun,
	}, appCtx.Logger())

	result, err := scheduler.Run(ctx)
	if result != nil {
		renderCleanupResult(os.Stdout, result)
	}
	if err != nil {
		return fmt.Errorf("クリーンアップに失敗: %w", err)
	}
	return nil
}

// CleanupScheduleAction はクリーンアップを cron で定期実行する
// シグナルを受けるまで戻らない
func CleanupScheduleAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	schedule := appCtx.Config.Lifecycle.CleanupCron
	if s := cmd.String("cron"); s != "" {
		schedule = s
	}

	scheduler := lifecycle.NewScheduler(appCtx.Container.Lifecycle, lifecycle.ScheduleConfig{
		CronSchedule:   schedule,
		RetentionDays:  appCtx.Config.Lifecycle.RetentionDays,
		StaleUploadAge: appCtx.Config.Lifecycle.StaleUploadAge,
		DryRun:         cmd.Bool("dry-run"),
		Timeout:        time.Hour,
	}, appCtx.Logger())

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	scheduler.Stop()
	return nil
}

// confirmDeletion は削除の実行をユーザーに確認する
func confirmDeletion(retentionDays int) (bool, error) {
	prompt := promptui.Prompt{
		Label:     fmt.Sprintf("%d日より古いオブジェクトを削除します。よろしいですか", retentionDays),
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// renderCleanupResult はクリーンアップの結果を表示する
func renderCleanupResult(w io.Writer, result *lifecycle.RunResult) {
	c := result.Cleanup
	mode := "実行"
	if c.DryRun {
		mode = "ドライラン"
	}
	fmt.Fprintf(w, "\n=== クリーンアップ結果 (%s) ===\n\n", mode)

	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	table.Append("Cutoff", c.Cutoff.Format(time.RFC3339))
	table.Append("Scanned", strconv.Itoa(c.ScannedCount))
	table.Append("Deleted", strconv.Itoa(c.DeletedCount))
	table.Append("Deleted Bytes", formatBytes(c.DeletedBytes))
	table.Append("Retained", strconv.Itoa(c.RetainedCount))
	table.Append("Failed", strconv.Itoa(c.FailedCount))
	if result.StaleUploads != nil {
		table.Append("Aborted Uploads", strconv.Itoa(result.StaleUploads.AbortedCount))
	}
	table.Render()

	if len(c.DeletedKeys) > 0 {
		fmt.Fprintf(w, "\n削除対象（先頭%d件）:\n", len(c.DeletedKeys))
		for _, k := range c.DeletedKeys {
			fmt.Fprintf(w, "  %s\n", k)
		}
	}
}

// formatBytes はバイト数を読みやすい単位で表す
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
