package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/storage"
	"github.com/jinford/clipline/internal/core/upload"
)

type uploadsHandler struct {
	coordinator UploadCoordinator
	jobs        JobService
	logger      *slog.Logger
}

type initiateRequest struct {
	Filename    string `json:"filename" binding:"required"`
	Size        int64  `json:"size" binding:"required"`
	ContentType string `json:"contentType"`
	PartSize    int64  `json:"partSize"`
}

type initiateResponse struct {
	JobID string `json:"jobId"`
	*upload.Session
}

type presignRequest struct {
	Filename string `json:"filename" binding:"required"`
	Size     int64  `json:"size" binding:"required"`
}

type presignResponse struct {
	JobID string `json:"jobId"`
	*upload.PresignedPut
}

type partURLsRequest struct {
	UploadID    string `json:"uploadId" binding:"required"`
	Key         string `json:"key" binding:"required"`
	PartNumbers []int  `json:"partNumbers" binding:"required"`
}

type completeRequest struct {
	UploadID string        `json:"uploadId" binding:"required"`
	Key      string        `json:"key" binding:"required"`
	Parts    []upload.Part `json:"parts" binding:"required"`
}

type abortRequest struct {
	UploadID string `json:"uploadId" binding:"required"`
	Key      string `json:"key" binding:"required"`
}

type finalizeRequest struct {
	JobID  string     `json:"jobId" binding:"required"`
	Key    string     `json:"key" binding:"required"`
	Config job.Config `json:"config"`
}

// initiate は POST /uploads/multipart/initiate
// ジョブ ID をここで採番し、キーを uploads/<jobId>/<filename> に固定する
func (h *uploadsHandler) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	if _, err := job.DetectMediaKind(req.Filename); err != nil {
		writeError(c, h.logger, err)
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = job.ContentTypeFor(req.Filename)
	}

	jobID := uuid.New()
	session, err := h.coordinator.Initiate(c.Request.Context(), upload.InitiateParams{
		Key:         storage.UploadKey(jobID, req.Filename),
		Size:        req.Size,
		ContentType: contentType,
		PartSize:    req.PartSize,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, initiateResponse{JobID: jobID.String(), Session: session})
}

// presign は POST /uploads/presign
// パート最小サイズ未満のファイル向け。採番とキーの決め方は initiate と同じ
func (h *uploadsHandler) presign(c *gin.Context) {
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	if _, err := job.DetectMediaKind(req.Filename); err != nil {
		writeError(c, h.logger, err)
		return
	}

	jobID := uuid.New()
	put, err := h.coordinator.PresignPut(c.Request.Context(), storage.UploadKey(jobID, req.Filename), req.Size)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, presignResponse{JobID: jobID.String(), PresignedPut: put})
}

// urls は POST /uploads/multipart/urls
func (h *uploadsHandler) urls(c *gin.Context) {
	var req partURLsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	urls, err := h.coordinator.PresignParts(c.Request.Context(), req.UploadID, req.Key, req.PartNumbers)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"urls": urls})
}

// complete は POST /uploads/multipart/complete
func (h *uploadsHandler) complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	if err := h.coordinator.Complete(c.Request.Context(), req.UploadID, req.Key, req.Parts); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "completed": true})
}

// abort は POST /uploads/multipart/abort
func (h *uploadsHandler) abort(c *gin.Context) {
	var req abortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	if err := h.coordinator.Abort(c.Request.Context(), req.UploadID, req.Key); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "aborted": true})
}

// finalize は POST /uploads/finalize
func (h *uploadsHandler) finalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	jobID, err := uuid.Parse(req.JobID)
	if err != nil {
		badRequest(c, "jobId must be a UUID")
		return
	}

	created, err := h.jobs.FinalizeJobFromUpload(c.Request.Context(), jobID, req.Key, req.Config)
	if err != nil && created == nil {
		writeError(c, h.logger, err)
		return
	}
	respondCreated(c, h.logger, created, err)
}
