package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jinford/clipline/cmd/clipline/commands"
	"github.com/urfave/cli/v3"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func jobIDFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    "ジョブID",
		Required: true,
	}
}

// stageConfigFlags は解析ステージの設定フラグ。0 は既定値
func stageConfigFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "num-segments",
			Usage: "切り抜くセグメント数 (1-20)",
		},
		&cli.IntFlag{
			Name:  "min-duration",
			Usage: "セグメントの最短秒数（目安）",
		},
		&cli.IntFlag{
			Name:  "max-duration",
			Usage: "セグメントの最長秒数",
		},
		&cli.StringFlag{
			Name:  "instructions",
			Usage: "解析への追加指示",
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "clipline",
		Usage: "長尺の動画・音声から短いクリップを切り出すメディアパイプライン",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "サーバ関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTPサーバを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "addr",
								Usage: "待ち受けアドレス（省略時は SERVER_ADDR）",
							},
						},
						Action: commands.ServerStartAction,
					},
				},
			},
			{
				Name:  "worker",
				Usage: "ワーカー関連コマンド",
				Commands: []*cli.Command{
					{
						Name:   "start",
						Usage:  "キューのタスクを処理するワーカーを起動",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.WorkerStartAction,
					},
				},
			},
			{
				Name:  "job",
				Usage: "ジョブ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "アップロード済みのオブジェクトからジョブを作成",
						Flags: append([]cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "key",
								Usage:    "元メディアのオブジェクトキー",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "kind",
								Usage: "メディア種別 (video/audio)。省略時は拡張子から判定",
							},
							&cli.StringFlag{
								Name:  "filename",
								Usage: "種別判定に使うファイル名（省略時はキーの末尾）",
							},
						}, stageConfigFlags()...),
						Action: commands.JobCreateAction,
					},
					{
						Name:  "import",
						Usage: "URL（直リンク、Google Drive、Dropbox）のメディアを取り込んでジョブを作成",
						Flags: append([]cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "url",
								Usage:    "取り込み元の URL",
								Required: true,
							},
						}, stageConfigFlags()...),
						Action: commands.JobImportAction,
					},
					{
						Name:   "status",
						Usage:  "ジョブとセグメントの状況を表示",
						Flags:  []cli.Flag{envFlag(), jobIDFlag()},
						Action: commands.JobStatusAction,
					},
					{
						Name:  "clips",
						Usage: "完成したクリップを表示",
						Flags: []cli.Flag{
							envFlag(),
							jobIDFlag(),
							&cli.BoolFlag{
								Name:  "urls",
								Usage: "キーの代わりに署名付きURLを表示",
							},
						},
						Action: commands.JobClipsAction,
					},
					{
						Name:   "resume",
						Usage:  "現在のステータスに対応するタスクを再投入",
						Flags:  []cli.Flag{envFlag(), jobIDFlag()},
						Action: commands.JobResumeAction,
					},
					{
						Name:  "repoll",
						Usage: "レンダリングのポーリングを再開",
						Flags: []cli.Flag{
							envFlag(),
							jobIDFlag(),
							&cli.StringFlag{
								Name:     "render-id",
								Usage:    "レンダリング結果ID",
								Required: true,
							},
						},
						Action: commands.JobRepollAction,
					},
				},
			},
			{
				Name:  "upload",
				Usage: "アップロードコマンド",
				Commands: []*cli.Command{
					{
						Name:  "file",
						Usage: "ローカルファイルをマルチパートでアップロードしてジョブを作成",
						Flags: append([]cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "path",
								Usage:    "アップロードするファイル",
								Required: true,
							},
							&cli.Int64Flag{
								Name:  "part-size",
								Usage: "パートサイズ（バイト）。省略時は UPLOAD_PART_SIZE",
							},
							&cli.IntFlag{
								Name:  "workers",
								Usage: "並列アップロード数（省略時は UPLOAD_CONCURRENCY）",
							},
						}, stageConfigFlags()...),
						Action: commands.UploadFileAction,
					},
				},
			},
			{
				Name:  "cleanup",
				Usage: "ストレージのクリーンアップコマンド",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "保持期間を過ぎたオブジェクトを削除",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "retention-days",
								Usage: "保持日数（省略時は RETENTION_DAYS）",
							},
							&cli.BoolFlag{
								Name:  "dry-run",
								Usage: "削除せずに対象だけを表示",
								Value: true,
							},
							&cli.BoolFlag{
								Name:  "yes",
								Usage: "確認せずに削除する",
							},
						},
						Action: commands.CleanupRunAction,
					},
					{
						Name:  "schedule",
						Usage: "クリーンアップをスケジュール実行",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "cron",
								Usage: "Cron形式のスケジュール（省略時は CLEANUP_CRON）",
							},
							&cli.BoolFlag{
								Name:  "dry-run",
								Usage: "削除せずにログだけ出す",
							},
						},
						Action: commands.CleanupScheduleAction,
					},
				},
			},
			{
				Name:  "db",
				Usage: "データベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "migrate",
						Usage:  "スキーマを適用",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.DBMigrateAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
