package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaVersionKey = keyPrefix + "schema:version"

// migration upgrades the keyspace from version-1 to version.
type migration struct {
	version int
	name    string
	up      func(ctx context.Context, client *redis.Client) error
}

var migrations = []migration{
	// Registrations written by releases that stored sessions as JSON
	// strings are unreadable by the hash based registry.
	{1, "drop legacy session strings", dropLegacySessions},
	// List reads the sessions index, which older releases did not maintain.
	{2, "backfill sessions index", backfillSessionIndex},
}

func latestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies every migration newer than the stored schema version.
// The version is bumped after each step so a failed run resumes where it stopped.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	current, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if current >= latestSchemaVersion() {
		logger.Debugw("schema is up to date", "version", current)
		return nil
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Infow("running migration", "version", m.version, "name", m.name)
		if err := m.up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.version, 0).Err(); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	v, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func scanSessions(ctx context.Context, client *redis.Client, fn func(key, kind string) error) error {
	iter := client.Scan(ctx, 0, keyPrefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		kind, err := client.Type(ctx, key).Result()
		if err != nil {
			return err
		}
		if err := fn(key, kind); err != nil {
			return err
		}
	}
	return iter.Err()
}

func dropLegacySessions(ctx context.Context, client *redis.Client) error {
	return scanSessions(ctx, client, func(key, kind string) error {
		if kind == "hash" {
			return nil
		}
		return client.Del(ctx, key).Err()
	})
}

func backfillSessionIndex(ctx context.Context, client *redis.Client) error {
	return scanSessions(ctx, client, func(key, kind string) error {
		if kind != "hash" {
			return nil
		}
		id := strings.TrimPrefix(key, keyPrefix+"session:")
		return client.SAdd(ctx, sessionsKey(), id).Err()
	})
}
