package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	"classcast/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// RedisClassRepository stores course documents as JSON under classcast:course:<id>.
type RedisClassRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisClassRepository(client *redis.Client) ports.ClassRepository {
	return &RedisClassRepository{
		client: client,
		prefix: keyPrefix + "course:",
	}
}

func (r *RedisClassRepository) courseKey(id domain.CourseID) string {
	return r.prefix + string(id)
}

func (r *RedisClassRepository) GetCourse(ctx context.Context, id domain.CourseID) (*domain.Course, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "get", "courses")
	defer span.End()

	data, err := r.client.Get(ctx, r.courseKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get course from Redis: %w", err)
	}

	var course domain.Course
	if err := json.Unmarshal(data, &course); err != nil {
		return nil, fmt.Errorf("failed to unmarshal course: %w", err)
	}
	return &course, nil
}

func (r *RedisClassRepository) SaveCourse(ctx context.Context, course *domain.Course) error {
	data, err := json.Marshal(course)
	if err != nil {
		return fmt.Errorf("failed to marshal course: %w", err)
	}
	if err := r.client.Set(ctx, r.courseKey(course.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set course in Redis: %w", err)
	}
	return nil
}

// UpdatePlaybackPath rewrites the course document under WATCH so concurrent
// conversions of sibling classes do not overwrite each other.
func (r *RedisClassRepository) UpdatePlaybackPath(ctx context.Context, courseID domain.CourseID, classID domain.ClassID, path string) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "update_playback_path", "courses")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.CourseIDKey.String(string(courseID)), tracing.ClassIDKey.String(string(classID)))

	key := r.courseKey(courseID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrCourseNotFound
		}
		if err != nil {
			return err
		}

		var course domain.Course
		if err := json.Unmarshal(data, &course); err != nil {
			return fmt.Errorf("failed to unmarshal course: %w", err)
		}

		found := false
		for i := range course.Classes {
			if course.Classes[i].ID == classID {
				course.Classes[i].Path = path
				found = true
			}
		}
		if !found {
			return domain.ErrClassNotFound
		}

		updated, err := json.Marshal(&course)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update class %s: too much contention", classID)
}
