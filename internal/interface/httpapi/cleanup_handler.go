package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jinford/clipline/internal/core/lifecycle"
)

type cleanupHandler struct {
	runner CleanupRunner
	logger *slog.Logger
}

type cleanupRequest struct {
	RetentionDays *int `json:"retentionDays"`
	// DryRun を省略した場合は dry run として扱う
	DryRun  *bool `json:"dryRun"`
	Confirm bool  `json:"confirm"`
}

// run は POST /cleanup
// 実際に削除する場合は confirm=true を必須にする
func (h *cleanupHandler) run(c *gin.Context) {
	var req cleanupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	params := lifecycle.CleanupParams{
		RetentionDays: lifecycle.DefaultRetentionDays,
		DryRun:        true,
	}
	if req.RetentionDays != nil {
		params.RetentionDays = *req.RetentionDays
	}
	if req.DryRun != nil {
		params.DryRun = *req.DryRun
	}

	if !params.DryRun && !req.Confirm {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "confirm must be true to delete objects",
			"field": "confirm",
		})
		return
	}

	result, err := h.runner.Cleanup(c.Request.Context(), params)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
