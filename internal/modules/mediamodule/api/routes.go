package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BasePath is where every media route is mounted
const BasePath = "/api/v1/media"

// RegisterRoutes registers all media module routes. objects and metrics
// may be nil, in which case their routes are not mounted.
func RegisterRoutes(router *gin.Engine, handler *Handler, objects *ObjectHandler, metrics http.Handler) {
	mediaGroup := router.Group(BasePath)
	{
		mediaGroup.GET("/health", handler.Health)
		mediaGroup.POST("/downloads", handler.PresignDownloads)
		mediaGroup.GET("/hls/:beatId/variant", handler.SelectVariant)
	}

	uploadGroup := mediaGroup.Group("/uploads")
	{
		uploadGroup.POST("", handler.InitializeUpload)
		uploadGroup.GET("/:id", handler.GetUploadStatus)
		uploadGroup.POST("/:id/complete", handler.CompleteUpload)
	}

	adminGroup := mediaGroup.Group("/admin")
	{
		adminGroup.POST("/hls/purge", handler.PurgeHLS)
		adminGroup.GET("/cleanup/stats", handler.GetCleanupStats)
	}

	if objects != nil {
		objectGroup := mediaGroup.Group("/objects")
		{
			objectGroup.PUT("/*key", objects.PutObject)
			objectGroup.GET("/*key", objects.GetObject)
			objectGroup.HEAD("/*key", objects.GetObject)
		}
	}

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
}
