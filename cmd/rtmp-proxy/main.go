// Command rtmp-proxy runs the encoder-facing RTMP proxy as its own process,
// next to the server that owns the transcoders. Sessions are resolved
// through the shared Redis registry.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classcast/internal/infrastructure/monitoring"
	"classcast/internal/infrastructure/reliability"
	"classcast/internal/infrastructure/repositories"
	"classcast/internal/infrastructure/rtmp"
	"classcast/pkg/config"
	"classcast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, cfgPath, err := config.LoadFirst(config.SearchPaths...)
	level := "info"
	if cfg != nil {
		level = cfg.Logging.Level
	}
	zapLogger := logger.New(level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}
	if !cfg.Redis.Enabled {
		log.Fatal("the standalone proxy needs redis.enabled=true to see sessions started elsewhere")
	}
	log.Infow("configuration loaded", "path", cfgPath)

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	if !repoFactory.UsesRedis() {
		log.Fatal("redis is unreachable")
	}
	registry := reliability.NewResilientRegistry(repoFactory.CreateSessionRegistry(), log)

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)

	health := monitoring.NewHealthChecker()
	health.AddRedisCheck(repoFactory.RedisClient(), 30*time.Second, 2*time.Second)

	proxy := rtmp.NewProxy(rtmp.Config{
		HandshakeTimeout: cfg.RTMP.HandshakeTimeout,
		DialTimeout:      cfg.RTMP.DialTimeout,
		BufferSize:       cfg.RTMP.BufferSize,
	}, registry, collector, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status.Status, "checks": status.Checks, "active_relays": proxy.ActiveRelays()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxy.ListenAndServe(gctx, cfg.RTMP.Address)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		proxy.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	repoFactory.Close()
	if err != nil {
		log.Errorw("rtmp proxy stopped with error", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
	log.Info("rtmp proxy stopped")
}
