package repositories

import (
	"context"
	"os"
	"time"

	"classcast/internal/core/ports"
	"classcast/internal/infrastructure/repositories/memory"
	redisrepo "classcast/internal/infrastructure/repositories/redis"
	"classcast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger

	sessionTTL time.Duration
	instance   string
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		logger:     logger,
		sessionTTL: cfg.Redis.SessionTTL,
		instance:   cfg.Redis.InstanceID,
	}
	if factory.instance == "" {
		factory.instance, _ = os.Hostname()
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// NewRepositoryFactoryWithClient wires an existing client; used by tests.
func NewRepositoryFactoryWithClient(client *redis.Client, logger *zap.SugaredLogger) *RepositoryFactory {
	return &RepositoryFactory{useRedis: client != nil, redisClient: client, logger: logger}
}

// WithSessionLease sets the lease and instance tag of redis registry entries.
func (f *RepositoryFactory) WithSessionLease(ttl time.Duration, instance string) *RepositoryFactory {
	f.sessionTTL = ttl
	f.instance = instance
	return f
}

// UsesRedis reports whether registrations are shared through Redis.
func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// CreateSessionRegistry creates a session registry (Redis or memory with fallback)
func (f *RepositoryFactory) CreateSessionRegistry() ports.SessionRegistry {
	if f.UsesRedis() {
		return redisrepo.NewRedisSessionRegistry(f.redisClient, f.sessionTTL, f.instance)
	}
	return memory.NewMemorySessionRegistry()
}

// PurgeStaleSessions drops the redis entries a previous run of this instance
// left behind. Memory registries start empty, so there is nothing to do.
func (f *RepositoryFactory) PurgeStaleSessions(ctx context.Context) (int, error) {
	if !f.UsesRedis() {
		return 0, nil
	}
	return redisrepo.NewRedisSessionRegistry(f.redisClient, f.sessionTTL, f.instance).PurgeInstance(ctx)
}

// CreateClassRepository creates a class repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateClassRepository() ports.ClassRepository {
	if f.UsesRedis() {
		return redisrepo.NewRedisClassRepository(f.redisClient)
	}
	return memory.NewMemoryClassRepository()
}

// CreateCourseLocker creates the per-course conversion lock. Redis leases are
// renewed while held; the TTL bounds how long a crashed holder blocks a course.
func (f *RepositoryFactory) CreateCourseLocker() ports.CourseLocker {
	if f.UsesRedis() {
		return redisrepo.NewCourseLocker(f.redisClient, time.Minute)
	}
	return memory.NewCourseLocker()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

// RedisClient is the shared client, nil when running on memory repositories.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.UsesRedis() {
		return nil
	}
	return f.redisClient
}
