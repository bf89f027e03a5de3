package memory

import (
	"context"
	"sync"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
)

// CourseLocker is the single instance course lock.
type CourseLocker struct {
	mu   sync.Mutex
	held map[domain.CourseID]struct{}
}

func NewCourseLocker() ports.CourseLocker {
	return &CourseLocker{held: make(map[domain.CourseID]struct{})}
}

func (c *CourseLocker) TryLock(_ context.Context, id domain.CourseID) (func(), bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[id]; ok {
		return nil, false, nil
	}
	c.held[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.held, id)
			c.mu.Unlock()
		})
	}, true, nil
}
