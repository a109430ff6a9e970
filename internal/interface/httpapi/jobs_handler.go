package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
)

type jobsHandler struct {
	service       JobService
	maxUploadSize int64
	logger        *slog.Logger
}

// createJobRequest は既存オブジェクトからジョブを作る JSON リクエスト
type createJobRequest struct {
	Key       string     `json:"key" binding:"required"`
	MediaKind string     `json:"mediaKind"`
	Filename  string     `json:"filename"`
	Config    job.Config `json:"config"`
}

// importJobRequest は URL 取り込みの JSON リクエスト
type importJobRequest struct {
	URL    string     `json:"url" binding:"required"`
	Config job.Config `json:"config"`
}

// uploadJobForm は直接アップロードのフォーム項目
type uploadJobForm struct {
	NumSegments        int    `form:"numSegments"`
	MinDurationSeconds int    `form:"minDurationSeconds"`
	MaxDurationSeconds int    `form:"maxDurationSeconds"`
	CustomInstructions string `form:"customInstructions"`
}

func (f uploadJobForm) config() job.Config {
	return job.Config{
		NumSegments:        f.NumSegments,
		MinDurationSeconds: f.MinDurationSeconds,
		MaxDurationSeconds: f.MaxDurationSeconds,
		CustomInstructions: f.CustomInstructions,
	}
}

// create は POST /jobs
// multipart/form-data なら本文をアップロードしてから、JSON なら既存キーからジョブを作る
func (h *jobsHandler) create(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.createFromUpload(c)
		return
	}

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	created, err := h.service.CreateJob(c.Request.Context(), pipeline.CreateJobParams{
		OriginalKey: req.Key,
		Filename:    req.Filename,
		MediaKind:   job.MediaKind(req.MediaKind),
		Config:      req.Config,
	})
	if err != nil && created == nil {
		writeError(c, h.logger, err)
		return
	}
	respondCreated(c, h.logger, created, err)
}

func (h *jobsHandler) createFromUpload(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}

	var form uploadJobForm
	if err := c.ShouldBind(&form); err != nil {
		badRequest(c, "invalid form: "+err.Error())
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}

	file, err := header.Open()
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	defer file.Close()

	created, err := h.service.UploadAndCreateJob(c.Request.Context(), header.Filename, file, header.Size, form.config())
	if err != nil && created == nil {
		writeError(c, h.logger, err)
		return
	}
	respondCreated(c, h.logger, created, err)
}

// respondCreated はジョブ作成の応答を書く
// 作成後の投入だけが失敗した場合も、ジョブは存在するので 202 で返す
func respondCreated(c *gin.Context, logger *slog.Logger, created *job.Job, enqueueErr error) {
	if enqueueErr != nil {
		logger.Warn("ジョブは作成されましたが前処理の投入に失敗しました",
			"jobID", created.ID,
			"error", enqueueErr,
		)
		c.JSON(http.StatusAccepted, gin.H{
			"job":     toJobResponse(created),
			"warning": "job created but not yet queued; call resume to retry",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": toJobResponse(created)})
}

// importURL は POST /jobs/import
// 取り込みが終わるまで応答しない。進捗は作成後のジョブの status で見る
func (h *jobsHandler) importURL(c *gin.Context) {
	var req importJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	created, err := h.service.ImportFromURL(c.Request.Context(), pipeline.ImportParams{
		URL:    req.URL,
		Config: req.Config,
	})
	if err != nil && created == nil {
		writeError(c, h.logger, err)
		return
	}
	respondCreated(c, h.logger, created, err)
}

// status は GET /jobs/:id
func (h *jobsHandler) status(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	status, err := h.service.GetJobStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toJobStatusResponse(status))
}

// clips は GET /jobs/:id/clips
func (h *jobsHandler) clips(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	clips, err := h.service.ListCompletedClips(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": id.String(), "clips": toClipResponses(clips)})
}

// resume は POST /jobs/:id/resume
func (h *jobsHandler) resume(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	tasks, err := h.service.ResumeJob(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id.String(), "enqueued": toTaskResponses(tasks)})
}

// repoll は POST /jobs/:id/renders/:renderID/poll
func (h *jobsHandler) repoll(c *gin.Context) {
	jobID, ok := parseID(c, "id")
	if !ok {
		return
	}
	renderID, ok := parseID(c, "renderID")
	if !ok {
		return
	}

	task, err := h.service.RepollRender(c.Request.Context(), jobID, renderID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"enqueued": toTaskResponses([]pipeline.Task{*task})})
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		badRequest(c, param+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
