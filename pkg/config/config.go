package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	RTMP struct {
		// Embedded runs the proxy inside the server; turn it off when
		// cmd/rtmp-proxy serves the port instead.
		Embedded         bool          `yaml:"embedded"`
		Address          string        `yaml:"address"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		BufferSize       int           `yaml:"buffer_size"`
		PublicURL        string        `yaml:"public_url"`
	} `yaml:"rtmp"`

	Transcoder struct {
		FFmpegPath     string        `yaml:"ffmpeg_path"`
		FFprobePath    string        `yaml:"ffprobe_path"`
		NvidiaSMIPath  string        `yaml:"nvidia_smi_path"`
		RenderNodeGlob string        `yaml:"render_node_glob"`
		PortMin        int           `yaml:"port_min"`
		PortMax        int           `yaml:"port_max"`
		StopGrace      time.Duration `yaml:"stop_grace"`
		OutputDir      string        `yaml:"output_dir"`
		MaxRungs       int           `yaml:"max_rungs"`
		ReadyTimeout   time.Duration `yaml:"ready_timeout"`
		// Live ladders are chosen before the encoder connects, so they are
		// built for this nominal source.
		LiveWidth  int  `yaml:"live_width"`
		LiveHeight int  `yaml:"live_height"`
		LiveFPS    int  `yaml:"live_fps"`
		Record     bool `yaml:"record"`
		// Preview writes a low latency HLS copy under output_dir/previews.
		Preview bool `yaml:"preview"`
	} `yaml:"transcoder"`

	VOD struct {
		StagingDir string `yaml:"staging_dir"`
		PublicDir  string `yaml:"public_dir"`
		Workers    int    `yaml:"workers"`
	} `yaml:"vod"`

	Signal struct {
		OBSPingInterval time.Duration `yaml:"obs_ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`

		// Lease on live session entries, renewed by the owning server.
		SessionTTL time.Duration `yaml:"session_ttl"`
		// Tags registry entries; defaults to the hostname.
		InstanceID string `yaml:"instance_id"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		Issuer         string        `yaml:"issuer"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// RTMP
	if c.RTMP.Address == "" {
		return fmt.Errorf("rtmp.address must not be empty")
	}
	if c.RTMP.HandshakeTimeout <= 0 {
		return fmt.Errorf("rtmp.handshake_timeout must be > 0")
	}
	if c.RTMP.BufferSize < 1024 {
		return fmt.Errorf("rtmp.buffer_size must be >= 1024")
	}

	// Transcoder
	if c.Transcoder.FFmpegPath == "" || c.Transcoder.FFprobePath == "" {
		return fmt.Errorf("transcoder.ffmpeg_path and transcoder.ffprobe_path must be set")
	}
	if c.Transcoder.PortMin <= 1024 || c.Transcoder.PortMax > 65535 {
		return fmt.Errorf("transcoder port range must be within 1025-65535")
	}
	if c.Transcoder.PortMin > c.Transcoder.PortMax {
		return fmt.Errorf("transcoder.port_min must be <= port_max")
	}
	if c.Transcoder.StopGrace <= 0 {
		return fmt.Errorf("transcoder.stop_grace must be > 0")
	}
	if c.Transcoder.OutputDir == "" {
		return fmt.Errorf("transcoder.output_dir must not be empty")
	}
	if c.Transcoder.LiveWidth <= 0 || c.Transcoder.LiveHeight <= 0 || c.Transcoder.LiveFPS <= 0 {
		return fmt.Errorf("transcoder live source geometry must be positive")
	}

	// VOD
	if c.VOD.StagingDir == "" || c.VOD.PublicDir == "" {
		return fmt.Errorf("vod.staging_dir and vod.public_dir must be set")
	}
	if c.VOD.StagingDir == c.VOD.PublicDir {
		return fmt.Errorf("vod.staging_dir must differ from vod.public_dir")
	}
	if c.VOD.Workers <= 0 {
		return fmt.Errorf("vod.workers must be > 0")
	}

	// Signal
	if c.Signal.OBSPingInterval <= 0 {
		return fmt.Errorf("signal.obs_ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.OBSPingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.obs_ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0,1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.SessionTTL < 0 {
			return fmt.Errorf("redis.session_ttl must not be negative")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.RTMP.Embedded = true
	cfg.RTMP.Address = ":1935"
	cfg.RTMP.HandshakeTimeout = 10 * time.Second
	cfg.RTMP.DialTimeout = 5 * time.Second
	cfg.RTMP.BufferSize = 32 * 1024
	cfg.RTMP.PublicURL = "rtmp://localhost:1935/"

	cfg.Transcoder.FFmpegPath = "ffmpeg"
	cfg.Transcoder.FFprobePath = "ffprobe"
	cfg.Transcoder.NvidiaSMIPath = "nvidia-smi"
	cfg.Transcoder.RenderNodeGlob = "/dev/dri/renderD*"
	cfg.Transcoder.PortMin = 20000
	cfg.Transcoder.PortMax = 20999
	cfg.Transcoder.StopGrace = 5 * time.Second
	cfg.Transcoder.OutputDir = "/var/lib/classcast/live"
	cfg.Transcoder.MaxRungs = 4
	cfg.Transcoder.ReadyTimeout = 30 * time.Second
	cfg.Transcoder.LiveWidth = 1920
	cfg.Transcoder.LiveHeight = 1080
	cfg.Transcoder.LiveFPS = 30
	cfg.Transcoder.Record = true
	cfg.Transcoder.Preview = true

	cfg.VOD.StagingDir = "/var/lib/classcast/staging"
	cfg.VOD.PublicDir = "/var/lib/classcast/vod"
	cfg.VOD.Workers = 2

	cfg.Signal.OBSPingInterval = 10 * time.Second
	cfg.Signal.PongTimeout = 30 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "classcast"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.SessionTTL = 30 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 10 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CLASSCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("CLASSCAST_RTMP_ADDRESS"); addr != "" {
		c.RTMP.Address = addr
	}
	if url := os.Getenv("CLASSCAST_RTMP_PUBLIC_URL"); url != "" {
		c.RTMP.PublicURL = url
	}
	if bin := os.Getenv("CLASSCAST_FFMPEG_PATH"); bin != "" {
		c.Transcoder.FFmpegPath = bin
	}
	if bin := os.Getenv("CLASSCAST_FFPROBE_PATH"); bin != "" {
		c.Transcoder.FFprobePath = bin
	}
	if dir := os.Getenv("CLASSCAST_OUTPUT_DIR"); dir != "" {
		c.Transcoder.OutputDir = dir
	}
	if n, err := strconv.Atoi(os.Getenv("CLASSCAST_VOD_WORKERS")); err == nil && n > 0 {
		c.VOD.Workers = n
	}
	if level := os.Getenv("CLASSCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CLASSCAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("CLASSCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
}

// SearchPaths are tried in order when CLASSCAST_CONFIG is unset.
var SearchPaths = []string{
	"configs/config.yaml",
	"/etc/classcast/config.yaml",
	"config.yaml",
}

// LoadFirst loads the first existing file among CLASSCAST_CONFIG and paths.
// With no file present it returns the validated defaults and an empty path.
func LoadFirst(paths ...string) (*Config, string, error) {
	if p := os.Getenv("CLASSCAST_CONFIG"); p != "" {
		paths = append([]string{p}, paths...)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cfg, err := Load(p)
		return cfg, p, err
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, "", nil
}
