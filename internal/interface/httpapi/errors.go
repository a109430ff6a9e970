package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jinford/clipline/internal/core/job"
	"github.com/jinford/clipline/internal/core/pipeline"
	"github.com/jinford/clipline/internal/core/upload"
)

// statusFor はエラーを HTTP ステータスに対応付ける
func statusFor(err error) int {
	var ve *job.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrPartsNotSorted):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrJobNotFound),
		errors.Is(err, job.ErrRenderOutputNotFound),
		errors.Is(err, upload.ErrUploadNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrIncompleteUpload),
		errors.Is(err, job.ErrStatusConflict),
		errors.Is(err, job.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrImportFetch):
		return http.StatusBadGateway
	case errors.Is(err, pipeline.ErrImportUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError はエラーレスポンスを書き込む
// 500 系は内部の詳細を返さずログにだけ残す
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("リクエストの処理に失敗しました",
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(status, gin.H{"error": http.StatusText(status)})
		return
	}

	body := gin.H{"error": err.Error()}
	var ve *job.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
