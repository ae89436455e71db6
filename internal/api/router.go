package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/auth"
	"github.com/navcam/dashcam/internal/middleware"
	"github.com/navcam/dashcam/internal/realtime"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Handler     *Handler
	JWT         *auth.JWTService
	Hub         *realtime.Hub // nil disables /ws
	CORSOrigins string
	Logger      *zap.Logger
}

// NewRouter builds the gin engine. Every route except /health and /ws needs a
// bearer token; /ws takes it as the token query parameter.
func NewRouter(cfg RouterConfig) *gin.Engine {
	h := cfg.Handler
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(log, "/health", "/metrics"), middleware.CORS(cfg.CORSOrigins))

	router.GET("/health", h.Health)
	if cfg.Hub != nil {
		router.GET("/ws", realtime.ServeWs(cfg.Hub, log, cfg.JWT.Subject, h.Hello))
	}

	api := router.Group("", middleware.JWT(cfg.JWT))
	read := api.Group("", middleware.RequireScope(middleware.ScopeRead, middleware.ScopeControl))
	{
		read.GET("/status", h.Status)
		read.GET("/clips", h.ListClips)
		read.GET("/clips/:id", h.GetClip)
		read.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	control := api.Group("", middleware.RequireScope(middleware.ScopeControl))
	{
		control.POST("/recording/start", h.StartRecording)
		control.POST("/recording/stop", h.StopRecording)
		control.POST("/recording/toggle", h.ToggleRecording)

		control.PUT("/settings/recording", h.UpdateRecordingSettings)
		control.PUT("/settings/backup", h.UpdateBackupSettings)

		control.DELETE("/clips/:id", h.DeleteClip)
		control.POST("/clips/delete", h.DeleteClips)
		control.POST("/clips/prune", h.PruneClips)

		control.POST("/network", h.SetNetwork)
		control.POST("/session", h.SignIn)
		control.DELETE("/session", h.SignOut)
		control.POST("/backup/retry", h.RetryBackup)
	}
	return router
}
