package ports

import (
	"context"
	"time"

	"classcast/internal/core/domain"
)

type LiveService interface {
	StartLive(ctx context.Context, userID domain.UserID) (*domain.StreamingSession, error)
	StopLive(ctx context.Context, sessionID domain.SessionID) error
	Status(ctx context.Context, sessionID domain.SessionID) (*domain.StreamingSession, error)
	SessionForUser(ctx context.Context, userID domain.UserID) (*domain.StreamingSession, bool)
	// Preview returns the path of the session's preview playlist once written.
	Preview(ctx context.Context, sessionID domain.SessionID) (string, error)
}

type VODService interface {
	ConvertVideo(ctx context.Context, class domain.Class) (domain.ConversionResult, error)
	ConvertCourse(ctx context.Context, course *domain.Course) (*domain.BatchResult, error)
	ConvertCourseByID(ctx context.Context, id domain.CourseID) (*domain.BatchResult, error)
}

// IdentityValidator checks bearer tokens issued by the platform's auth service.
type IdentityValidator interface {
	Authenticate(token string) (domain.Authentication, error)
}

type MediaProber interface {
	Probe(ctx context.Context, path string) (domain.SourceInfo, error)
}

type HWDetector interface {
	Detect(ctx context.Context) domain.HWAccel
	RenderDevice(ctx context.Context) string
}

// TranscoderProcess is a running transcoder owned by the orchestrator.
type TranscoderProcess interface {
	domain.ProcessHandle
	Wait() error
	Stop(grace time.Duration) error
	Stopped() bool
}

type TranscoderRunner interface {
	Spawn(ctx context.Context, job domain.TranscodeJob, grace time.Duration) (TranscoderProcess, error)
}

// OutputStore manages transcoder output directories.
type OutputStore interface {
	WaitForPlaylist(ctx context.Context, dir string) error
	WaitForPreview(ctx context.Context, dir string) error
	RemovePreview(dir string) error
	Publish(staging, final string) (string, error)
	IsConverted(path string) bool
}
