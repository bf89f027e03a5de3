package ports

import (
	"context"

	"classcast/internal/core/domain"
)

// SessionRegistry maps live sessions to transcoder ports and process handles.
type SessionRegistry interface {
	Register(ctx context.Context, id domain.SessionID, userID domain.UserID, port int, proc domain.ProcessHandle) error
	// Attach sets the process handle of an entry registered before launch.
	Attach(id domain.SessionID, proc domain.ProcessHandle) error
	Lookup(ctx context.Context, id domain.SessionID) (int, bool, error)
	Unregister(ctx context.Context, id domain.SessionID) error
	// Refresh extends the lease of a live entry. ErrSessionNotFound means the
	// entry expired or was removed.
	Refresh(ctx context.Context, id domain.SessionID) error
	Process(ctx context.Context, port int) (domain.ProcessHandle, bool)
	SessionForUser(ctx context.Context, userID domain.UserID) (domain.SessionID, bool, error)
	List(ctx context.Context) ([]domain.RegistryEntry, error)
}

// ClassRepository is the course catalogue collaborator.
type ClassRepository interface {
	GetCourse(ctx context.Context, id domain.CourseID) (*domain.Course, error)
	SaveCourse(ctx context.Context, course *domain.Course) error
	UpdatePlaybackPath(ctx context.Context, courseID domain.CourseID, classID domain.ClassID, path string) error
}

// CourseLocker keeps at most one conversion per course running.
type CourseLocker interface {
	// TryLock returns ok=false without blocking when the course is held.
	TryLock(ctx context.Context, id domain.CourseID) (unlock func(), ok bool, err error)
}
