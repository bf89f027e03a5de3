package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	"classcast/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "classcast:"

// registerScript writes the three mappings only when none of them exists.
// Returns 0 on success, 1 session exists, 2 port taken, 3 user already live.
// A positive ARGV[5] puts a lease of that many milliseconds on every key.
var registerScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then return 1 end
if redis.call("EXISTS", KEYS[2]) == 1 then return 2 end
if redis.call("EXISTS", KEYS[3]) == 1 then return 3 end
redis.call("HSET", KEYS[1], "user_id", ARGV[2], "port", ARGV[3], "registered_at", ARGV[4], "instance", ARGV[6])
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SET", KEYS[3], ARGV[1])
redis.call("SADD", KEYS[4], ARGV[1])
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
  redis.call("PEXPIRE", KEYS[2], ttl)
  redis.call("PEXPIRE", KEYS[3], ttl)
end
return 0
`)

// refreshScript extends the lease of a session and of the port and user keys
// that still point at it. Returns 0 when the session key is gone.
var refreshScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
if redis.call("GET", KEYS[2]) == ARGV[1] then redis.call("PEXPIRE", KEYS[2], ARGV[2]) end
if redis.call("GET", KEYS[3]) == ARGV[1] then redis.call("PEXPIRE", KEYS[3], ARGV[2]) end
return 1
`)

// unregisterScript only drops the port and user keys still pointing at this session.
var unregisterScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) == ARGV[1] then redis.call("DEL", KEYS[2]) end
if redis.call("GET", KEYS[3]) == ARGV[1] then redis.call("DEL", KEYS[3]) end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[4], ARGV[1])
return 1
`)

// RedisSessionRegistry shares session->port mappings between the server and
// standalone proxies. Process handles are process-local and kept in memory.
//
// Entries carry a lease of ttl that the owning live service keeps renewing,
// so the registrations of a crashed server expire on their own. Each entry
// records the instance that wrote it.
type RedisSessionRegistry struct {
	client   *redis.Client
	ttl      time.Duration
	instance string

	procs map[int]domain.ProcessHandle
	mu    sync.RWMutex
}

// NewRedisSessionRegistry returns a registry whose entries expire after ttl
// unless refreshed. A zero ttl keeps entries until they are unregistered.
func NewRedisSessionRegistry(client *redis.Client, ttl time.Duration, instance string) *RedisSessionRegistry {
	return &RedisSessionRegistry{
		client:   client,
		ttl:      ttl,
		instance: instance,
		procs:    make(map[int]domain.ProcessHandle),
	}
}

var _ ports.SessionRegistry = (*RedisSessionRegistry)(nil)

func sessionKey(id domain.SessionID) string { return keyPrefix + "session:" + string(id) }
func portKey(port int) string               { return keyPrefix + "port:" + strconv.Itoa(port) }
func userKey(id domain.UserID) string       { return keyPrefix + "user:" + string(id) }
func sessionsKey() string                   { return keyPrefix + "sessions" }

func (r *RedisSessionRegistry) Register(ctx context.Context, id domain.SessionID, userID domain.UserID, port int, proc domain.ProcessHandle) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "register", "sessions")
	defer span.End()

	keys := []string{sessionKey(id), portKey(port), userKey(userID), sessionsKey()}
	code, err := registerScript.Run(ctx, r.client, keys,
		string(id), string(userID), port, time.Now().UnixMilli(), r.ttl.Milliseconds(), r.instance).Int()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to register session in Redis: %w", err)
	}

	switch code {
	case 0:
	case 1:
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, id)
	case 2:
		return fmt.Errorf("%w: %d", domain.ErrPortInUse, port)
	case 3:
		return fmt.Errorf("%w: user %s", domain.ErrUserHasLiveSession, userID)
	default:
		return fmt.Errorf("unexpected register result %d", code)
	}

	if proc != nil {
		r.mu.Lock()
		r.procs[port] = proc
		r.mu.Unlock()
	}
	return nil
}

func (r *RedisSessionRegistry) Lookup(ctx context.Context, id domain.SessionID) (int, bool, error) {
	port, err := r.client.HGet(ctx, sessionKey(id), "port").Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to lookup session in Redis: %w", err)
	}
	return port, true, nil
}

func (r *RedisSessionRegistry) Unregister(ctx context.Context, id domain.SessionID) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "unregister", "sessions")
	defer span.End()

	fields, err := r.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to read session from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}

	port, _ := strconv.Atoi(fields["port"])
	keys := []string{sessionKey(id), portKey(port), userKey(domain.UserID(fields["user_id"])), sessionsKey()}
	if err := unregisterScript.Run(ctx, r.client, keys, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to unregister session in Redis: %w", err)
	}

	r.mu.Lock()
	delete(r.procs, port)
	r.mu.Unlock()
	return nil
}

func (r *RedisSessionRegistry) Refresh(ctx context.Context, id domain.SessionID) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "refresh", "sessions")
	defer span.End()

	fields, err := r.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to read session from Redis: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if r.ttl <= 0 {
		return nil
	}

	port, _ := strconv.Atoi(fields["port"])
	keys := []string{sessionKey(id), portKey(port), userKey(domain.UserID(fields["user_id"]))}
	ok, err := refreshScript.Run(ctx, r.client, keys, string(id), r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh session in Redis: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return nil
}

// PurgeInstance removes the entries written by this instance, and entries
// written before leases existed, which no running transcoder can own once
// the instance starts. It must run before the live service takes sessions.
func (r *RedisSessionRegistry) PurgeInstance(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, sessionsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions from Redis: %w", err)
	}

	purged := 0
	for _, raw := range ids {
		id := domain.SessionID(raw)
		fields, err := r.client.HGetAll(ctx, sessionKey(id)).Result()
		if err != nil {
			return purged, fmt.Errorf("failed to read session from Redis: %w", err)
		}
		if len(fields) == 0 {
			r.client.SRem(ctx, sessionsKey(), raw)
			continue
		}
		if owner := fields["instance"]; owner != "" && owner != r.instance {
			continue
		}
		if err := r.Unregister(ctx, id); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// Attach sets the process handle of a registration made before launch.
func (r *RedisSessionRegistry) Attach(id domain.SessionID, proc domain.ProcessHandle) error {
	port, ok, err := r.Lookup(context.Background(), id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrSessionNotFound
	}
	r.mu.Lock()
	r.procs[port] = proc
	r.mu.Unlock()
	return nil
}

func (r *RedisSessionRegistry) Process(ctx context.Context, port int) (domain.ProcessHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	proc, ok := r.procs[port]
	return proc, ok
}

func (r *RedisSessionRegistry) SessionForUser(ctx context.Context, userID domain.UserID) (domain.SessionID, bool, error) {
	id, err := r.client.Get(ctx, userKey(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get user session from Redis: %w", err)
	}
	return domain.SessionID(id), true, nil
}

func (r *RedisSessionRegistry) List(ctx context.Context) ([]domain.RegistryEntry, error) {
	ids, err := r.client.SMembers(ctx, sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions from Redis: %w", err)
	}

	entries := make([]domain.RegistryEntry, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, sessionKey(domain.SessionID(id))).Result()
		if err != nil {
			continue
		}
		if len(fields) == 0 {
			// expired lease or removed since SMEMBERS
			r.client.SRem(ctx, sessionsKey(), id)
			continue
		}
		port, _ := strconv.Atoi(fields["port"])
		ms, _ := strconv.ParseInt(fields["registered_at"], 10, 64)
		entries = append(entries, domain.RegistryEntry{
			SessionID:    domain.SessionID(id),
			UserID:       domain.UserID(fields["user_id"]),
			Port:         port,
			RegisteredAt: time.UnixMilli(ms),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Port < entries[j].Port })
	return entries, nil
}
