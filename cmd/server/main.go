package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/services"
	httphandlers "classcast/internal/handlers/http"
	"classcast/internal/infrastructure/middleware"
	"classcast/internal/infrastructure/monitoring"
	"classcast/internal/infrastructure/reliability"
	"classcast/internal/infrastructure/repositories"
	"classcast/internal/infrastructure/rtmp"
	signalgw "classcast/internal/infrastructure/signal"
	"classcast/internal/infrastructure/transcoder"
	"classcast/pkg/config"
	"classcast/pkg/logger"
	"classcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, cfgPath, err := config.LoadFirst(config.SearchPaths...)

	zapLogger := logger.New(levelOrDefault(cfg))
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}
	log.Infow("configuration loaded", "path", cfgPath)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	purgeCtx, cancelPurge := context.WithTimeout(context.Background(), 10*time.Second)
	if n, err := repoFactory.PurgeStaleSessions(purgeCtx); err != nil {
		log.Warnw("failed to purge stale session entries", "error", err)
	} else if n > 0 {
		log.Infow("purged stale session entries", "count", n)
	}
	cancelPurge()

	registry := reliability.NewResilientRegistry(repoFactory.CreateSessionRegistry(), log)
	classes := repoFactory.CreateClassRepository()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(reg)

	detector := transcoder.NewDetector(cfg.Transcoder.RenderNodeGlob, cfg.Transcoder.NvidiaSMIPath, log)
	accel := detector.Detect(context.Background())
	collector.SetHWAccel(accel)
	log.Infow("hardware acceleration", "accel", accel)

	runner := transcoder.NewRunner(cfg.Transcoder.FFmpegPath, log)
	store := transcoder.NewStore(cfg.VOD.PublicDir)

	live := services.NewLiveService(services.LiveConfig{
		PortMin:      cfg.Transcoder.PortMin,
		PortMax:      cfg.Transcoder.PortMax,
		OutputDir:    cfg.Transcoder.OutputDir,
		StopGrace:    cfg.Transcoder.StopGrace,
		ReadyTimeout: cfg.Transcoder.ReadyTimeout,
		MaxRungs:     cfg.Transcoder.MaxRungs,
		Source: domain.SourceInfo{
			Width:      cfg.Transcoder.LiveWidth,
			Height:     cfg.Transcoder.LiveHeight,
			FPS:        cfg.Transcoder.LiveFPS,
			AudioCodec: "aac",
		},
		Record:          cfg.Transcoder.Record,
		PublicURL:       cfg.RTMP.PublicURL,
		RefreshInterval: refreshInterval(cfg, repoFactory),
		Preview:         cfg.Transcoder.Preview,
	}, registry, runner, detector, store, collector, log)

	vod := services.NewVODService(services.VODConfig{
		StagingDir: cfg.VOD.StagingDir,
		PublicDir:  cfg.VOD.PublicDir,
		Workers:    cfg.VOD.Workers,
		MaxRungs:   cfg.Transcoder.MaxRungs,
		StopGrace:  cfg.Transcoder.StopGrace,
	}, classes, transcoder.NewProber(cfg.Transcoder.FFprobePath), runner, detector, store, collector, log).
		WithCourseLocker(repoFactory.CreateCourseLocker())

	identity := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)

	gwCfg := signalgw.DefaultConfig()
	gwCfg.PingInterval = cfg.Signal.OBSPingInterval
	gwCfg.PongTimeout = cfg.Signal.PongTimeout
	gwCfg.WriteTimeout = cfg.Signal.WriteTimeout
	gwCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		ws := cfg.RateLimiting.WebSocket
		gwCfg.ConnectionsPerMinute = ws.ConnectionsPerMinute
		gwCfg.MessagesPerSecond = ws.MessagesPerSecond
		gwCfg.MessageBurst = ws.Burst
		if ws.MaxMessageSizeBytes > 0 {
			gwCfg.MaxMessageSize = ws.MaxMessageSizeBytes
		}
	}
	gateway := signalgw.NewGateway(gwCfg, identity, collector, log)

	health := monitoring.NewHealthChecker()
	health.AddBinaryCheck("ffmpeg", cfg.Transcoder.FFmpegPath, time.Minute, 2*time.Second)
	health.AddBinaryCheck("ffprobe", cfg.Transcoder.FFprobePath, time.Minute, 2*time.Second)
	health.AddWritableDirCheck("live_output", cfg.Transcoder.OutputDir, time.Minute, 2*time.Second)
	health.AddWritableDirCheck("vod_public", cfg.VOD.PublicDir, time.Minute, 2*time.Second)
	health.AddRegistryCheck(registry, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	routerCfg := httphandlers.RouterConfig{
		Identity:  identity,
		Live:      live,
		VOD:       vod,
		Health:    health,
		Observer:  collector,
		RateLimit: middleware.NewHTTPRateLimitMiddleware(cfg),
		OBS:       signalgw.NewOBSHandler(gateway, live, log),
		WebRTC:    signalgw.NewWebRTCHandler(gateway, registry, log),
		Logger:    log,
	}
	if cfg.Monitoring.PrometheusEnabled {
		routerCfg.Gatherer = reg
	}
	router := httphandlers.NewRouter(routerCfg)

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout would cut long running websocket channels and
		// course conversions, so only headers are bounded.
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	proxy := rtmp.NewProxy(rtmp.Config{
		HandshakeTimeout: cfg.RTMP.HandshakeTimeout,
		DialTimeout:      cfg.RTMP.DialTimeout,
		BufferSize:       cfg.RTMP.BufferSize,
	}, registry, collector, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health.StartBackgroundChecks(ctx, func(name string, err error) {
		log.Warnw("health check failed", "check", name, "error", err)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("http server listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.RTMP.Embedded {
		g.Go(func() error {
			return proxy.ListenAndServe(gctx, cfg.RTMP.Address)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := proxy.Close(); err != nil {
			log.Warnw("error closing rtmp proxy", "error", err)
		}
		if err := live.Shutdown(shutdownCtx); err != nil {
			log.Warnw("error stopping live sessions", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during http shutdown", "error", err)
			srv.Close()
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("error flushing traces", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if closeErr := repoFactory.Close(); closeErr != nil {
		log.Errorw("error closing repository factory", "error", closeErr)
	}
	if err != nil {
		log.Errorw("server stopped with error", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
	log.Info("classcast server stopped")
}

func levelOrDefault(cfg *config.Config) string {
	if cfg == nil {
		return "info"
	}
	return cfg.Logging.Level
}

// refreshInterval renews registry leases three times per TTL.
func refreshInterval(cfg *config.Config, f *repositories.RepositoryFactory) time.Duration {
	if !f.UsesRedis() || cfg.Redis.SessionTTL <= 0 {
		return 0
	}
	return cfg.Redis.SessionTTL / 3
}
