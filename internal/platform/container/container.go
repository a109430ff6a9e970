package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/lifecycle"
	"github.com/jinford/clipline/internal/core/pipeline"
	"github.com/jinford/clipline/internal/core/upload"
	"github.com/jinford/clipline/internal/infra/elevenlabs"
	"github.com/jinford/clipline/internal/infra/ffmpeg"
	"github.com/jinford/clipline/internal/infra/httpclient"
	"github.com/jinford/clipline/internal/infra/objectstore"
	"github.com/jinford/clipline/internal/infra/openai"
	"github.com/jinford/clipline/internal/infra/postgres"
	"github.com/jinford/clipline/internal/infra/rabbitmq"
	redisstore "github.com/jinford/clipline/internal/infra/redis"
	"github.com/jinford/clipline/internal/infra/shotstack"
	"github.com/jinford/clipline/internal/interface/httpapi"
	"github.com/jinford/clipline/internal/platform/config"
	"github.com/jinford/clipline/internal/platform/database"
	"github.com/redis/go-redis/v9"
)

// Container はアプリケーションの依存関係を保持する
// ワーカー用の外部サービスクライアントは Dispatcher を最初に要求したときに作る
type Container struct {
	Config      *config.Config
	Repository  *postgres.Repository
	Store       *objectstore.Gateway
	Publisher   *rabbitmq.Publisher
	Machine     *job.StateMachine
	Service     *pipeline.Service
	Coordinator *upload.Coordinator
	Lifecycle   *lifecycle.Manager

	logger   *slog.Logger
	database *database.Database
	broker   *rabbitmq.Broker
	redis    *redis.Client

	stages     stageOverrides
	dispatchMu sync.Mutex
	dispatcher *pipeline.Dispatcher
}

// stageOverrides はテストや検証用に差し替える外部コラボレータ
type stageOverrides struct {
	extractor   pipeline.AudioExtractor
	transcriber pipeline.Transcriber
	analyzer    pipeline.Analyzer
	renderer    pipeline.Renderer
	downloader  pipeline.AssetDownloader
}

type containerOptions struct {
	logger *slog.Logger
	stages stageOverrides
}

// ContainerOption は Container 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerRenderer はレンダリングサービスを差し替える
func WithContainerRenderer(renderer pipeline.Renderer) ContainerOption {
	return func(opts *containerOptions) {
		opts.stages.renderer = renderer
	}
}

// WithContainerAnalyzer は解析サービスを差し替える
func WithContainerAnalyzer(analyzer pipeline.Analyzer) ContainerOption {
	return func(opts *containerOptions) {
		opts.stages.analyzer = analyzer
	}
}

// WithContainerTranscriber は文字起こしサービスを差し替える
func WithContainerTranscriber(transcriber pipeline.Transcriber) ContainerOption {
	return func(opts *containerOptions) {
		opts.stages.transcriber = transcriber
	}
}

// New は設定からコンテナを生成する。
// スキーマの適用とバケットの作成もここで行う
func New(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (_ *Container, err error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger

	c := &Container{Config: cfg, logger: logger, stages: options.stages}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.database, err = database.New(ctx, DatabaseParams(cfg))
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}
	if err := postgres.Migrate(ctx, c.database.Pool); err != nil {
		return nil, fmt.Errorf("スキーマの適用に失敗しました: %w", err)
	}

	c.Store, err = objectstore.New(objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		Region:    cfg.ObjectStore.Region,
		UseSSL:    cfg.ObjectStore.UseSSL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("オブジェクトストア初期化に失敗しました: %w", err)
	}
	if err := c.Store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("バケットの準備に失敗しました: %w", err)
	}

	c.broker, err = rabbitmq.Dial(rabbitmq.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		Queue:      cfg.RabbitMQ.Queue,
		DelayQueue: cfg.RabbitMQ.DelayQueue,
		Prefetch:   cfg.RabbitMQ.Prefetch,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("タスクキュー初期化に失敗しました: %w", err)
	}
	c.Publisher, err = c.broker.NewPublisher()
	if err != nil {
		return nil, fmt.Errorf("タスク投入の準備に失敗しました: %w", err)
	}

	c.redis, err = redisstore.NewClient(ctx, redisstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("セッションストア初期化に失敗しました: %w", err)
	}

	c.Repository = postgres.NewRepository(c.database.Pool)
	c.Machine = job.NewStateMachine(c.Repository, job.WithMachineLogger(logger))

	c.Service = pipeline.NewService(
		c.Repository,
		c.Machine,
		c.Publisher,
		c.Store,
		pipeline.WithServiceLogger(logger),
		pipeline.WithClipURLExpiry(cfg.Pipeline.ClipURLExpiry),
		pipeline.WithMaxFileSize(cfg.Upload.MaxDirectSize),
		pipeline.WithURLFetcher(httpclient.NewDownloader(cfg.Upload.ImportTimeout)),
		pipeline.WithImportMaxSize(cfg.Upload.MaxFileSize),
	)

	c.Coordinator = upload.NewCoordinator(
		c.Store,
		redisstore.NewSessionStore(c.redis),
		UploadConfig(cfg),
		upload.WithCoordinatorLogger(logger),
	)

	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.GracePeriod = cfg.Lifecycle.GracePeriod
	c.Lifecycle = lifecycle.NewManager(c.Store, c.Repository, lifecycleCfg, lifecycle.WithManagerLogger(logger))

	return c, nil
}

// DatabaseParams は設定から接続パラメータを作る
func DatabaseParams(cfg *config.Config) database.ConnectionParams {
	return database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}
}

// UploadConfig はコーディネーターの設定を作る
func UploadConfig(cfg *config.Config) upload.Config {
	return upload.Config{
		MinPartSize:     cfg.Upload.MinPartSize,
		DefaultPartSize: cfg.Upload.PartSize,
		MaxFileSize:     cfg.Upload.MaxFileSize,
		URLExpiry:       cfg.Upload.URLExpiry,
		SessionTTL:      cfg.Upload.SessionTTL,
	}
}

// Dispatcher はワーカーが使う Dispatcher を返す
// 外部サービスの API キーはここで初めて必要になる
func (c *Container) Dispatcher() (*pipeline.Dispatcher, error) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if c.dispatcher != nil {
		return c.dispatcher, nil
	}

	cfg := c.Config
	stages, err := c.buildStages()
	if err != nil {
		return nil, err
	}

	handlers := pipeline.Handlers{
		Preprocess: pipeline.NewPreprocessStage(c.Repository, c.Store, stages.extractor, cfg.Pipeline.WorkDir, c.logger),
		Transcribe: pipeline.NewTranscribeStage(c.Repository, c.Store, stages.transcriber, c.logger),
		Analyze: pipeline.NewAnalyzeStage(c.Repository, stages.analyzer, pipeline.AnalysisPolicy{
			DurationEpsilon: cfg.Pipeline.DurationEpsilon,
			StrictDuration:  cfg.Pipeline.StrictDuration,
		}, c.logger),
		Clip: pipeline.NewClipStage(c.Repository, c.Store, stages.renderer, c.Publisher, pipeline.ClipConfig{
			Concurrency:     cfg.Render.Concurrency,
			PollInterval:    cfg.Render.PollInterval,
			SourceURLExpiry: cfg.Render.SourceURLExpiry,
		}, c.logger),
	}

	poller := pipeline.NewRenderPoller(
		c.Repository,
		c.Publisher,
		stages.renderer,
		stages.downloader,
		c.Store,
		pipeline.PollerConfig{
			Interval:             cfg.Render.PollInterval,
			MaxWait:              cfg.Render.MaxWait,
			Policy:               pipeline.ExhaustionPolicy(cfg.Render.ExhaustionPolicy),
			ReclaimIntermediates: cfg.Pipeline.ReclaimIntermediates,
		},
		pipeline.WithPollerLogger(c.logger),
	)

	c.dispatcher = pipeline.NewDispatcher(
		c.Repository,
		c.Machine,
		c.Publisher,
		handlers,
		poller,
		pipeline.DispatcherConfig{
			MaxAttempts:          cfg.Pipeline.MaxAttempts,
			BaseBackoff:          cfg.Pipeline.BaseBackoff,
			MaxBackoff:           cfg.Pipeline.MaxBackoff,
			StageTimeout:         cfg.Pipeline.StageTimeout,
			ReclaimIntermediates: cfg.Pipeline.ReclaimIntermediates,
		},
		pipeline.WithDispatcherLogger(c.logger),
		pipeline.WithReclaimer(c.Lifecycle),
	)
	return c.dispatcher, nil
}

func (c *Container) buildStages() (stageOverrides, error) {
	cfg := c.Config
	s := c.stages

	if s.extractor == nil {
		settings := ffmpeg.DefaultSettings()
		settings.Timeout = cfg.Pipeline.ExtractTimeout
		s.extractor = ffmpeg.NewExtractor(settings, c.logger)
	}

	if s.transcriber == nil {
		transcriber, err := elevenlabs.NewTranscriber(elevenlabs.Config{
			APIKey:  cfg.Transcription.APIKey,
			BaseURL: cfg.Transcription.BaseURL,
			Model:   cfg.Transcription.Model,
			Timeout: cfg.Transcription.Timeout,
		}, c.logger)
		if err != nil {
			return s, fmt.Errorf("文字起こしクライアント初期化に失敗しました: %w", err)
		}
		s.transcriber = transcriber
	}

	if s.analyzer == nil {
		analyzer, err := openai.NewAnalyzer(openai.Config{
			APIKey:              cfg.OpenAI.APIKey,
			Model:               cfg.OpenAI.Model,
			BaseURL:             cfg.OpenAI.BaseURL,
			Timeout:             cfg.OpenAI.Timeout,
			MaxTranscriptTokens: cfg.OpenAI.MaxTranscriptTokens,
		}, openai.WithAnalyzerLogger(c.logger))
		if err != nil {
			return s, fmt.Errorf("解析クライアント初期化に失敗しました: %w", err)
		}
		s.analyzer = analyzer
	}

	if s.renderer == nil {
		renderCfg := shotstack.DefaultConfig()
		renderCfg.APIKey = cfg.Render.APIKey
		renderCfg.BaseURL = cfg.Render.BaseURL
		renderCfg.Stage = cfg.Render.Stage
		renderCfg.Timeout = cfg.Render.Timeout
		renderCfg.Width = cfg.Render.Width
		renderCfg.Height = cfg.Render.Height
		renderer, err := shotstack.NewRenderer(renderCfg, c.logger)
		if err != nil {
			return s, fmt.Errorf("レンダリングクライアント初期化に失敗しました: %w", err)
		}
		s.renderer = renderer
	}
	// 投入も状態確認も同じ上限を共有する
	s.renderer = shotstack.NewThrottledRenderer(s.renderer, shotstack.NewRateLimiter(cfg.Render.RequestsPerMinute))

	if s.downloader == nil {
		s.downloader = httpclient.NewDownloader(cfg.Render.DownloadTimeout)
	}
	return s, nil
}

// NewConsumer は Dispatcher にタスクを渡すコンシューマを作る
func (c *Container) NewConsumer() (*rabbitmq.Consumer, error) {
	dispatcher, err := c.Dispatcher()
	if err != nil {
		return nil, err
	}
	return c.broker.NewConsumer(dispatcher)
}

// HealthChecks は /healthz で確認する依存先を返す
func (c *Container) HealthChecks() []httpapi.HealthCheck {
	return []httpapi.HealthCheck{
		{Name: "database", Check: c.database.Ping},
		{Name: "objectStore", Check: c.Store.Ping},
		{Name: "queue", Check: c.broker.Ping},
		{Name: "sessions", Check: func(ctx context.Context) error { return c.redis.Ping(ctx).Err() }},
	}
}

// Router は HTTP 境界のルーターを作る
func (c *Container) Router() *gin.Engine {
	return httpapi.NewRouter(httpapi.Deps{
		Jobs:          c.Service,
		Uploads:       c.Coordinator,
		Cleanup:       c.Lifecycle,
		HealthChecks:  c.HealthChecks(),
		MaxUploadSize: c.Config.Upload.MaxDirectSize,
		Logger:        c.logger,
		Debug:         c.Config.Server.Debug,
	})
}

// Close は内部リソースを解放する。
func (c *Container) Close() {
	if c == nil {
		return
	}
	var errs []error
	if c.Publisher != nil {
		errs = append(errs, c.Publisher.Close())
	}
	if c.broker != nil {
		errs = append(errs, c.broker.Close())
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.database != nil {
		c.database.Close()
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("リソースの解放に失敗しました", "error", err)
	}
}

// Logger はロガーを返す。
func (c *Container) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Database はデータベースを返す。
func (c *Container) Database() *database.Database {
	if c == nil {
		return nil
	}
	return c.database
}
