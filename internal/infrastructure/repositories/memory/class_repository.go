package memory

import (
	"context"
	"sync"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
)

type MemoryClassRepository struct {
	courses map[domain.CourseID]*domain.Course
	mu      sync.RWMutex
}

func NewMemoryClassRepository() ports.ClassRepository {
	return &MemoryClassRepository{
		courses: make(map[domain.CourseID]*domain.Course),
	}
}

func (r *MemoryClassRepository) GetCourse(ctx context.Context, id domain.CourseID) (*domain.Course, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	course, exists := r.courses[id]
	if !exists {
		return nil, domain.ErrCourseNotFound
	}
	return cloneCourse(course), nil
}

func (r *MemoryClassRepository) SaveCourse(ctx context.Context, course *domain.Course) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.courses[course.ID] = cloneCourse(course)
	return nil
}

func (r *MemoryClassRepository) UpdatePlaybackPath(ctx context.Context, courseID domain.CourseID, classID domain.ClassID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	course, exists := r.courses[courseID]
	if !exists {
		return domain.ErrCourseNotFound
	}
	for i := range course.Classes {
		if course.Classes[i].ID == classID {
			course.Classes[i].Path = path
			return nil
		}
	}
	return domain.ErrClassNotFound
}

func cloneCourse(c *domain.Course) *domain.Course {
	out := *c
	out.Classes = append([]domain.Class(nil), c.Classes...)
	return &out
}
