package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

// jobConfigFromFlags はステージ設定のフラグを job.Config に変換する
func jobConfigFromFlags(cmd *cli.Command) job.Config {
	return job.Config{
		NumSegments:        int(cmd.Int("num-segments")),
		MinDurationSeconds: int(cmd.Int("min-duration")),
		MaxDurationSeconds: int(cmd.Int("max-duration")),
		CustomInstructions: cmd.String("instructions"),
	}
}

// JobCreateAction はアップロード済みオブジェクトからジョブを作成する
func JobCreateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	created, err := appCtx.Container.Service.CreateJob(ctx, pipeline.CreateJobParams{
		OriginalKey: cmd.String("key"),
		Filename:    cmd.String("filename"),
		MediaKind:   job.MediaKind(cmd.String("kind")),
		Config:      jobConfigFromFlags(cmd),
	})
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

// JobImportAction は URL のメディアを取り込んでジョブを作成する
func JobImportAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	created, err := appCtx.Container.Service.ImportFromURL(ctx, pipeline.ImportParams{
		URL:    cmd.String("url"),
		Config: jobConfigFromFlags(cmd),
	})
	if created == nil {
		return fmt.Errorf("URL の取り込みに失敗: %w", err)
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

// JobStatusAction はジョブとセグメントごとの状況を表示する
func JobStatusAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("ジョブIDが不正です: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	status, err := appCtx.Container.Service.GetJobStatus(ctx, jobID)
	if err != nil {
		return fmt.Errorf("ジョブの取得に失敗: %w", err)
	}

	renderJob(os.Stdout, status.Job)
	renderSegmentsTable(os.Stdout, status.Segments)
	return nil
}

// JobClipsAction は完成したクリップの一覧を表示する
func JobClipsAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("ジョブIDが不正です: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	clips, err := appCtx.Container.Service.ListCompletedClips(ctx, jobID)
	if err != nil {
		return fmt.Errorf("クリップの取得に失敗: %w", err)
	}

	if len(clips) == 0 {
		fmt.Println("完成したクリップはありません")
		return nil
	}
	renderClipsTable(os.Stdout, clips, cmd.Bool("urls"))
	return nil
}

// JobResumeAction はジョブの現在状態に対応するタスクを再投入する
func JobResumeAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("ジョブIDが不正です: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	tasks, err := appCtx.Container.Service.ResumeJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("ジョブの再開に失敗: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Println("再投入するタスクはありません")
		return nil
	}
	renderTasksTable(os.Stdout, tasks)
	return nil
}

// JobRepollAction は1件のレンダリングのポーリングを再開する
func JobRepollAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("ジョブIDが不正です: %w", err)
	}
	renderID, err := uuid.Parse(cmd.String("render-id"))
	if err != nil {
		return fmt.Errorf("レンダリングIDが不正です: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	task, err := appCtx.Container.Service.RepollRender(ctx, jobID, renderID)
	if err != nil {
		return fmt.Errorf("ポーリングの再開に失敗: %w", err)
	}
	renderTasksTable(os.Stdout, []pipeline.Task{*task})
	return nil
}

// === ヘルパー関数 ===

// renderJob はジョブの概要を表示する
func renderJob(w io.Writer, j *job.Job) {
	fmt.Fprintf(w, "\n=== ジョブ ===\n\n")
	fmt.Fprintf(w, "ID:          %s\n", j.ID)
	fmt.Fprintf(w, "Media Kind:  %s\n", j.MediaKind)
	fmt.Fprintf(w, "Status:      %s\n", j.Status)
	fmt.Fprintf(w, "Original:    %s\n", j.OriginalKey)
	if j.AudioKey != nil {
		fmt.Fprintf(w, "Audio:       %s\n", *j.AudioKey)
	}
	fmt.Fprintf(w, "Segments:    %d (%d-%ds)\n", j.Config.NumSegments, j.Config.MinDurationSeconds, j.Config.MaxDurationSeconds)
	fmt.Fprintf(w, "Created At:  %s\n", j.CreatedAt.Format(time.RFC3339))
	if j.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:   %s\n", j.CompletedAt.Format(time.RFC3339))
	}
	if j.ErrorMessage != nil {
		fmt.Fprintf(w, "\nエラー:\n%s\n", *j.ErrorMessage)
	}
	fmt.Fprintln(w)
}

// renderSegmentsTable はセグメントとレンダリング状況をテーブル形式で表示する
func renderSegmentsTable(w io.Writer, segments []pipeline.SegmentStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Title", "Start", "End", "Render", "Render ID")

	for _, s := range segments {
		renderStatus, renderID := "-", "-"
		if s.Render != nil {
			renderStatus = string(s.Render.Status)
			renderID = s.Render.ID.String()
		}
		table.Append(
			strconv.Itoa(s.Segment.Ordinal),
			truncateString(s.Segment.Title, 40),
			formatSeconds(s.Segment.StartSeconds),
			formatSeconds(s.Segment.EndSeconds),
			renderStatus,
			renderID,
		)
	}

	table.Render()
}

// renderClipsTable はクリップをテーブル形式で表示する
func renderClipsTable(w io.Writer, clips []pipeline.Clip, withURL bool) {
	table := tablewriter.NewWriter(w)
	if withURL {
		table.Header("#", "Title", "Duration", "URL")
	} else {
		table.Header("#", "Title", "Duration", "Key")
	}

	for _, c := range clips {
		location := c.OutputKey
		if withURL {
			location = c.URL
		}
		table.Append(
			strconv.Itoa(c.Ordinal),
			truncateString(c.Title, 40),
			formatSeconds(c.EndSeconds-c.StartSeconds),
			location,
		)
	}

	table.Render()
}

// renderTasksTable は投入したタスクをテーブル形式で表示する
func renderTasksTable(w io.Writer, tasks []pipeline.Task) {
	table := tablewriter.NewWriter(w)
	table.Header("Kind", "Job ID", "Render ID", "Attempt")

	for _, t := range tasks {
		renderID := "-"
		if t.RenderOutputID != uuid.Nil {
			renderID = t.RenderOutputID.String()
		}
		table.Append(string(t.Kind), t.JobID.String(), renderID, strconv.Itoa(t.Attempt))
	}

	table.Render()
}

// formatSeconds は秒数を m:ss.s 形式にする
func formatSeconds(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	m := int(sec) / 60
	return fmt.Sprintf("%d:%04.1f", m, sec-float64(m*60))
}

// truncateString は文字列を指定した長さで切り詰める
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
