package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/cleanup"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/hls"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/service"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
)

// MediaGateway is the subset of the service layer the handlers call
type MediaGateway interface {
	Initialize(ctx context.Context, req types.InitRequest) (*types.InitResult, error)
	Status(ctx context.Context, id string) (*types.UploadSession, error)
	Complete(ctx context.Context, id string, req types.CompleteRequest) (*types.CompleteResult, error)
	PresignDownloads(ctx context.Context, keys []string) (*service.DownloadURLs, error)
	SelectVariant(beatID string, bandwidthBps int, caps hls.Caps) (*service.VariantChoice, error)
	PurgeHLS(ctx context.Context, olderThan time.Duration) (cleanup.PurgeResult, error)
	CleanupStats() cleanup.Stats
	Health(ctx context.Context) *service.HealthReport
}

// Handler provides HTTP handlers for upload and rendition operations
type Handler struct {
	gateway MediaGateway
	logger  hclog.Logger
}

// NewHandler creates a new API handler
func NewHandler(gateway MediaGateway, logger hclog.Logger) *Handler {
	return &Handler{
		gateway: gateway,
		logger:  logger.Named("media-api"),
	}
}

// InitializeUpload handles POST /api/v1/media/uploads
func (h *Handler) InitializeUpload(c *gin.Context) {
	var req types.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondWithValidationError(c, h.logger, "initialize", err)
		return
	}

	result, err := h.gateway.Initialize(c.Request.Context(), req)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// GetUploadStatus handles GET /api/v1/media/uploads/:id
func (h *Handler) GetUploadStatus(c *gin.Context) {
	session, err := h.gateway.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// CompleteUpload handles POST /api/v1/media/uploads/:id/complete
func (h *Handler) CompleteUpload(c *gin.Context) {
	var req types.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondWithValidationError(c, h.logger, "complete", err)
		return
	}

	result, err := h.gateway.Complete(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type downloadRequest struct {
	Keys []string `json:"keys" binding:"required"`
}

// PresignDownloads handles POST /api/v1/media/downloads
func (h *Handler) PresignDownloads(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondWithValidationError(c, h.logger, "presign_downloads", err)
		return
	}

	result, err := h.gateway.PresignDownloads(c.Request.Context(), req.Keys)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// SelectVariant handles GET /api/v1/media/hls/:beatId/variant
func (h *Handler) SelectVariant(c *gin.Context) {
	bandwidth, err := strconv.Atoi(c.Query("bandwidth"))
	if err != nil || bandwidth < 0 {
		RespondWithValidationError(c, h.logger, "select_variant", fmt.Errorf("bandwidth must be a non-negative integer"))
		return
	}

	caps := hls.Caps{PreferredCodec: c.Query("codec")}
	if v := c.Query("max_bitrate"); v != "" {
		if caps.MaxBitrate, err = strconv.Atoi(v); err != nil {
			RespondWithValidationError(c, h.logger, "select_variant", fmt.Errorf("max_bitrate must be an integer"))
			return
		}
	}

	choice, err := h.gateway.SelectVariant(c.Param("beatId"), bandwidth, caps)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, choice)
}

type purgeRequest struct {
	// OlderThan is a Go duration such as 720h, empty means the retention window
	OlderThan string `json:"olderThan"`
}

// PurgeHLS handles POST /api/v1/media/admin/hls/purge
func (h *Handler) PurgeHLS(c *gin.Context) {
	var req purgeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondWithValidationError(c, h.logger, "purge_hls", err)
			return
		}
	}

	var olderThan time.Duration
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			RespondWithValidationError(c, h.logger, "purge_hls", fmt.Errorf("invalid olderThan %q", req.OlderThan))
			return
		}
		olderThan = d
	}

	result, err := h.gateway.PurgeHLS(c.Request.Context(), olderThan)
	if err != nil {
		RespondWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetCleanupStats handles GET /api/v1/media/admin/cleanup/stats
func (h *Handler) GetCleanupStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.gateway.CleanupStats())
}

// Health handles GET /api/v1/media/health
func (h *Handler) Health(c *gin.Context) {
	report := h.gateway.Health(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
