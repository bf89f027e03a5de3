package redis

import (
	"context"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	"classcast/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

// CourseLocker leases classcast:lock:course:<id> so that instances sharing
// the catalogue never convert the same course twice at once.
type CourseLocker struct {
	locks *distributed.Locker
}

func NewCourseLocker(client *redis.Client, ttl time.Duration) ports.CourseLocker {
	return &CourseLocker{locks: distributed.NewLocker(client, keyPrefix+"lock:course:", ttl)}
}

func (c *CourseLocker) TryLock(ctx context.Context, id domain.CourseID) (func(), bool, error) {
	lock := c.locks.New(string(id))
	ok, err := lock.TryLock(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lock.Unlock(ctx)
	}, true, nil
}
