// Package httpapi は gin による HTTP 境界を提供する
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/lifecycle"
	"github.com/jinford/clipline/internal/core/pipeline"
	"github.com/jinford/clipline/internal/core/upload"
)

// JobService はジョブ系ハンドラが使うユースケース
type JobService interface {
	CreateJob(ctx context.Context, params pipeline.CreateJobParams) (*job.Job, error)
	UploadAndCreateJob(ctx context.Context, filename string, body io.Reader, size int64, cfg job.Config) (*job.Job, error)
	ImportFromURL(ctx context.Context, params pipeline.ImportParams) (*job.Job, error)
	FinalizeJobFromUpload(ctx context.Context, jobID uuid.UUID, key string, cfg job.Config) (*job.Job, error)
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*pipeline.JobStatus, error)
	ListCompletedClips(ctx context.Context, jobID uuid.UUID) ([]pipeline.Clip, error)
	ResumeJob(ctx context.Context, jobID uuid.UUID) ([]pipeline.Task, error)
	RepollRender(ctx context.Context, jobID, renderID uuid.UUID) (*pipeline.Task, error)
}

// UploadCoordinator はマルチパートアップロードの操作
type UploadCoordinator interface {
	Initiate(ctx context.Context, params upload.InitiateParams) (*upload.Session, error)
	PresignPut(ctx context.Context, key string, size int64) (*upload.PresignedPut, error)
	PresignParts(ctx context.Context, uploadID, key string, partNumbers []int) ([]upload.PartURL, error)
	Complete(ctx context.Context, uploadID, key string, parts []upload.Part) error
	Abort(ctx context.Context, uploadID, key string) error
}

// CleanupRunner は保持期間のクリーンアップを実行する
type CleanupRunner interface {
	Cleanup(ctx context.Context, params lifecycle.CleanupParams) (*lifecycle.CleanupResult, error)
}

// HealthCheck は /healthz で確認する依存先
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps はルーターの依存
type Deps struct {
	Jobs         JobService
	Uploads      UploadCoordinator
	Cleanup      CleanupRunner
	HealthChecks []HealthCheck
	// MaxUploadSize は直接アップロードで受け付けるリクエスト本文の上限。0 で無制限
	MaxUploadSize int64
	Logger        *slog.Logger
	Debug         bool
}

// NewRouter はルーティングを設定した gin.Engine を返す
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !deps.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	health := &healthHandler{checks: deps.HealthChecks, logger: logger}
	router.GET("/healthz", health.check)

	jobs := &jobsHandler{service: deps.Jobs, maxUploadSize: deps.MaxUploadSize, logger: logger}
	uploads := &uploadsHandler{coordinator: deps.Uploads, jobs: deps.Jobs, logger: logger}
	cleanup := &cleanupHandler{runner: deps.Cleanup, logger: logger}

	api := router.Group("/api/v1")
	{
		api.GET("/healthz", health.check)

		api.POST("/jobs", jobs.create)
		api.POST("/jobs/import", jobs.importURL)
		api.GET("/jobs/:id", jobs.status)
		api.GET("/jobs/:id/clips", jobs.clips)
		api.POST("/jobs/:id/resume", jobs.resume)
		api.POST("/jobs/:id/renders/:renderID/poll", jobs.repoll)

		api.POST("/uploads/presign", uploads.presign)
		api.POST("/uploads/multipart/initiate", uploads.initiate)
		api.POST("/uploads/multipart/urls", uploads.urls)
		api.POST("/uploads/multipart/complete", uploads.complete)
		api.POST("/uploads/multipart/abort", uploads.abort)
		api.POST("/uploads/finalize", uploads.finalize)

		api.POST("/cleanup", cleanup.run)
	}

	return router
}

// requestLogger はリクエストごとに 1 行のアクセスログを出す
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"clientIP", c.ClientIP(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("HTTP リクエスト", attrs...)
		case status >= http.StatusBadRequest:
			logger.Warn("HTTP リクエスト", attrs...)
		default:
			logger.Debug("HTTP リクエスト", attrs...)
		}
	}
}

type healthHandler struct {
	checks []HealthCheck
	logger *slog.Logger
}

func (h *healthHandler) check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	results := make(gin.H, len(h.checks))
	healthy := true
	for _, hc := range h.checks {
		if err := hc.Check(ctx); err != nil {
			healthy = false
			results[hc.Name] = err.Error()
			h.logger.Warn("ヘルスチェックに失敗しました", "dependency", hc.Name, "error", err)
			continue
		}
		results[hc.Name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "checks": results})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": results})
}
