package http

import (
	"net/http"
	"time"

	"classcast/internal/core/ports"
	"classcast/internal/infrastructure/middleware"
	"classcast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RequestObserver records per-route request metrics.
type RequestObserver interface {
	ObserveHTTPRequest(method, route string, status int, d time.Duration)
}

type RouterConfig struct {
	Identity ports.IdentityValidator
	Live     ports.LiveService
	VOD      ports.VODService
	Health   *monitoring.HealthChecker
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer  prometheus.Gatherer
	Observer  RequestObserver
	RateLimit gin.HandlerFunc
	OBS       http.Handler
	WebRTC    http.Handler
	Logger    *zap.SugaredLogger
}

var _ ports.HTTPHandler = (*Handlers)(nil)

// Handlers groups the REST handlers behind one value.
type Handlers struct {
	*LiveHandler
	*VODHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(cfg.Logger))
	router.Use(middleware.TracingMiddleware())
	if cfg.Observer != nil {
		router.Use(observe(cfg.Observer))
	}
	router.Use(middleware.ErrorHandlerMiddleware(cfg.Logger))
	if cfg.RateLimit != nil {
		router.Use(cfg.RateLimit)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Unix()})
	})
	router.GET("/ready", func(c *gin.Context) {
		if cfg.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "healthy"})
			return
		}
		status := cfg.Health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	if cfg.OBS != nil {
		router.GET("/ws/obs", gin.WrapH(cfg.OBS))
	}
	if cfg.WebRTC != nil {
		router.GET("/ws/webrtc", gin.WrapH(cfg.WebRTC))
	}

	h := &Handlers{
		LiveHandler: NewLiveHandler(cfg.Live),
		VODHandler:  NewVODHandler(cfg.VOD),
	}
	api := router.Group("/api/v1", middleware.AuthMiddleware(cfg.Identity))
	{
		api.GET("/auth/me", NewAuthHandler().Me)

		live := api.Group("/live", middleware.RequireBroadcaster())
		live.POST("", h.StartLive)
		live.GET("/:session", h.LiveStatus)
		live.DELETE("/:session", h.StopLive)
		live.GET("/:session/preview", h.Preview)
		live.GET("/:session/preview/:segment", h.PreviewSegment)

		api.POST("/courses/:id/convert", middleware.RequireBroadcaster(), h.ConvertCourse)
	}
	return router
}

func observe(o RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		o.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
