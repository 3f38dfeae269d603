package api

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
)

// ObjectHandler serves presigned PUT and GET URLs issued by a LocalStore
type ObjectHandler struct {
	store   *storage.LocalStore
	maxBody int64
	logger  hclog.Logger
}

// NewObjectHandler creates a handler for local object traffic. maxBody caps
// a single PUT; 0 disables the cap.
func NewObjectHandler(store *storage.LocalStore, maxBody int64, logger hclog.Logger) *ObjectHandler {
	return &ObjectHandler{
		store:   store,
		maxBody: maxBody,
		logger:  logger.Named("object-api"),
	}
}

func objectKey(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("key"), "/")
}

func (h *ObjectHandler) verify(c *gin.Context, method, key string) bool {
	if err := h.store.Verify(method, key, c.Query("expires"), c.Query("signature")); err != nil {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: ErrorDetails{
			Code:      "forbidden",
			Message:   err.Error(),
			RequestID: c.GetString("request_id"),
		}})
		return false
	}
	return true
}

// PutObject handles PUT /api/v1/media/objects/*key
func (h *ObjectHandler) PutObject(c *gin.Context) {
	key := objectKey(c)
	if !h.verify(c, http.MethodPut, key) {
		return
	}

	body := c.Request.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxBody)
	}

	if err := h.store.Put(c.Request.Context(), key, body, c.ContentType()); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RespondWithValidationError(c, h.logger, "put_object", tooLarge)
			return
		}
		RespondWithError(c, h.logger, err)
		return
	}

	c.Status(http.StatusOK)
}

// GetObject handles GET and HEAD /api/v1/media/objects/*key
func (h *ObjectHandler) GetObject(c *gin.Context) {
	key := objectKey(c)
	if !h.verify(c, http.MethodGet, key) {
		return
	}

	p, err := h.store.Open(key)
	if err != nil {
		RespondWithError(c, h.logger, mediaerrors.Wrap(err, mediaerrors.ErrorTypeStorage, "get_object"))
		return
	}

	switch path.Ext(key) {
	case ".m3u8":
		c.Header("Content-Type", "application/vnd.apple.mpegurl")
	case ".webp":
		c.Header("Content-Type", "image/webp")
	case ".flac":
		c.Header("Content-Type", "audio/flac")
	}
	c.File(p)
}
