package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProc struct {
	pid  int
	done chan struct{}
}

func (p *fakeProc) Pid() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, done: make(chan struct{})}
}

func registries(t *testing.T) map[string]ports.SessionRegistry {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := zap.NewNop().Sugar()
	return map[string]ports.SessionRegistry{
		"memory": NewRepositoryFactoryWithClient(nil, log).CreateSessionRegistry(),
		"redis":  NewRepositoryFactoryWithClient(client, log).CreateSessionRegistry(),
	}
}

func TestSessionRegistry_RegisterLookup(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			proc := newFakeProc(101)

			require.NoError(t, reg.Register(ctx, "42_abcdef", "42", 20001, proc))

			port, ok, err := reg.Lookup(ctx, "42_abcdef")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 20001, port)

			got, ok := reg.Process(ctx, 20001)
			require.True(t, ok)
			assert.Equal(t, 101, got.Pid())

			id, ok, err := reg.SessionForUser(ctx, "42")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, domain.SessionID("42_abcdef"), id)

			_, ok, err = reg.Lookup(ctx, "unknown")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSessionRegistry_RegisterIsNotIdempotent(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, reg.Register(ctx, "42_abcdef", "42", 20001, newFakeProc(1)))

			err := reg.Register(ctx, "42_abcdef", "43", 20002, newFakeProc(2))
			assert.ErrorIs(t, err, domain.ErrSessionExists)

			// existing entry untouched
			port, ok, err := reg.Lookup(ctx, "42_abcdef")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 20001, port)
			_, ok = reg.Process(ctx, 20002)
			assert.False(t, ok)
			_, ok, _ = reg.SessionForUser(ctx, "43")
			assert.False(t, ok)
		})
	}
}

func TestSessionRegistry_PortAndUserInvariants(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, reg.Register(ctx, "42_a", "42", 20001, nil))

			err := reg.Register(ctx, "43_b", "43", 20001, nil)
			assert.ErrorIs(t, err, domain.ErrPortInUse)

			err = reg.Register(ctx, "42_c", "42", 20003, nil)
			assert.ErrorIs(t, err, domain.ErrUserHasLiveSession)

			entries, err := reg.List(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, domain.SessionID("42_a"), entries[0].SessionID)
		})
	}
}

func TestSessionRegistry_UnregisterIsIdempotent(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, reg.Register(ctx, "42_abcdef", "42", 20001, newFakeProc(7)))

			require.NoError(t, reg.Unregister(ctx, "42_abcdef"))
			require.NoError(t, reg.Unregister(ctx, "42_abcdef"))
			require.NoError(t, reg.Unregister(ctx, "never-registered"))

			_, ok, err := reg.Lookup(ctx, "42_abcdef")
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok = reg.Process(ctx, 20001)
			assert.False(t, ok)
			_, ok, _ = reg.SessionForUser(ctx, "42")
			assert.False(t, ok)

			// port and user are reusable
			require.NoError(t, reg.Register(ctx, "42_next", "42", 20001, nil))
		})
	}
}

func TestSessionRegistry_AttachAfterRegister(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, reg.Register(ctx, "42_abcdef", "42", 20001, nil))
			_, ok := reg.Process(ctx, 20001)
			assert.False(t, ok)

			require.NoError(t, reg.Attach("42_abcdef", newFakeProc(9)))
			proc, ok := reg.Process(ctx, 20001)
			require.True(t, ok)
			assert.Equal(t, 9, proc.Pid())

			assert.ErrorIs(t, reg.Attach("missing", newFakeProc(1)), domain.ErrSessionNotFound)
		})
	}
}

func TestSessionRegistry_ConcurrentRegisterSingleWinner(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0

			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := reg.Register(ctx, "42_race", "42", 20100+i, nil); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestSessionRegistry_Refresh(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, reg.Register(ctx, "42_aaaa1111", "42", 20000, nil))
			assert.NoError(t, reg.Refresh(ctx, "42_aaaa1111"))

			require.NoError(t, reg.Unregister(ctx, "42_aaaa1111"))
			assert.ErrorIs(t, reg.Refresh(ctx, "42_aaaa1111"), domain.ErrSessionNotFound)
		})
	}
}

func leasedRegistry(t *testing.T, mr *miniredis.Miniredis, instance string) *RepositoryFactory {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRepositoryFactoryWithClient(client, zap.NewNop().Sugar()).WithSessionLease(30*time.Second, instance)
}

func TestRedisRegistry_LeaseExpiresWithoutRefresh(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := leasedRegistry(t, mr, "node-a").CreateSessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "7_deadbeef", "7", 20000, nil))
	require.NoError(t, reg.Register(ctx, "42_aaaa1111", "42", 20001, nil))

	mr.FastForward(20 * time.Second)
	require.NoError(t, reg.Refresh(ctx, "42_aaaa1111"))
	mr.FastForward(20 * time.Second)

	// the unrefreshed entry frees its port and user
	_, ok, err := reg.Lookup(ctx, "7_deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, reg.Refresh(ctx, "7_deadbeef"), domain.ErrSessionNotFound)
	assert.NoError(t, reg.Register(ctx, "7_cafe0000", "7", 20000, nil))

	port, ok, err := reg.Lookup(ctx, "42_aaaa1111")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 20001, port)

	entries, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRepositoryFactory_PurgeStaleSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	nodeA := leasedRegistry(t, mr, "node-a")
	nodeB := leasedRegistry(t, mr, "node-b")

	require.NoError(t, nodeA.CreateSessionRegistry().Register(ctx, "7_deadbeef", "7", 20000, nil))
	require.NoError(t, nodeB.CreateSessionRegistry().Register(ctx, "8_beefcafe", "8", 20001, nil))
	// written before entries were tagged with an instance
	mr.HSet("classcast:session:9_00000000", "user_id", "9", "port", "20002", "registered_at", "0")
	mr.Set("classcast:port:20002", "9_00000000")
	mr.Set("classcast:user:9", "9_00000000")
	mr.SAdd("classcast:sessions", "9_00000000")

	purged, err := nodeA.PurgeStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	reg := nodeA.CreateSessionRegistry()
	_, ok, _ := reg.Lookup(ctx, "7_deadbeef")
	assert.False(t, ok)
	_, ok, _ = reg.Lookup(ctx, "9_00000000")
	assert.False(t, ok)
	_, ok, _ = reg.Lookup(ctx, "8_beefcafe")
	assert.True(t, ok, "entries of other instances are left alone")

	inMemory := NewRepositoryFactoryWithClient(nil, zap.NewNop().Sugar())
	purged, err = inMemory.PurgeStaleSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestClassRepository_UpdatePlaybackPath(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	log := zap.NewNop().Sugar()

	for name, factory := range map[string]*RepositoryFactory{
		"memory": NewRepositoryFactoryWithClient(nil, log),
		"redis":  NewRepositoryFactoryWithClient(client, log),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory.CreateClassRepository()

			_, err := repo.GetCourse(ctx, "c1")
			assert.ErrorIs(t, err, domain.ErrCourseNotFound)

			require.NoError(t, repo.SaveCourse(ctx, &domain.Course{
				ID:   "c1",
				Name: "Go 101",
				Classes: []domain.Class{
					{ID: "k1", Path: "/uploads/k1.mp4", CourseID: "c1"},
					{ID: "k2", Path: "/uploads/k2.mp4", CourseID: "c1"},
				},
			}))

			require.NoError(t, repo.UpdatePlaybackPath(ctx, "c1", "k2", "/vod/c1/k2/master.m3u8"))
			assert.ErrorIs(t, repo.UpdatePlaybackPath(ctx, "c1", "zz", "/x"), domain.ErrClassNotFound)

			course, err := repo.GetCourse(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "/uploads/k1.mp4", course.Classes[0].Path)
			assert.Equal(t, "/vod/c1/k2/master.m3u8", course.Classes[1].Path)
		})
	}
}

func TestFactory_HealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := NewRepositoryFactoryWithClient(client, zap.NewNop().Sugar())
	assert.True(t, f.UsesRedis())
	assert.NoError(t, f.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, f.HealthCheck(context.Background()))
}
