package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

type fakeProcess struct {
	pid      int
	done     chan struct{}
	once     sync.Once
	exitErr  error
	stopping atomic.Bool
	stops    atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Stopped() bool         { return p.stopping.Load() }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.exitErr
}

func (p *fakeProcess) Stop(grace time.Duration) error {
	p.stops.Add(1)
	p.stopping.Store(true)
	p.exit(nil)
	return nil
}

// exit simulates the process terminating on its own.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		close(p.done)
	})
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Spawn(ctx context.Context, job domain.TranscodeJob, grace time.Duration) (ports.TranscoderProcess, error) {
	args := m.Called(ctx, job, grace)
	if p := args.Get(0); p != nil {
		return p.(ports.TranscoderProcess), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) Detect(ctx context.Context) domain.HWAccel {
	return m.Called(ctx).Get(0).(domain.HWAccel)
}

func (m *mockDetector) RenderDevice(ctx context.Context) string {
	return m.Called(ctx).String(0)
}

type mockOutput struct {
	mock.Mock
}

func (m *mockOutput) WaitForPlaylist(ctx context.Context, dir string) error {
	return m.Called(ctx, dir).Error(0)
}

func (m *mockOutput) WaitForPreview(ctx context.Context, dir string) error {
	return m.Called(ctx, dir).Error(0)
}

func (m *mockOutput) RemovePreview(dir string) error {
	return m.Called(dir).Error(0)
}

func (m *mockOutput) Publish(staging, final string) (string, error) {
	args := m.Called(staging, final)
	return args.String(0), args.Error(1)
}

func (m *mockOutput) IsConverted(path string) bool {
	return m.Called(path).Bool(0)
}

type mockProber struct {
	mock.Mock
}

func (m *mockProber) Probe(ctx context.Context, path string) (domain.SourceInfo, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(domain.SourceInfo), args.Error(1)
}

type mockClassRepository struct {
	mock.Mock
}

func (m *mockClassRepository) GetCourse(ctx context.Context, id domain.CourseID) (*domain.Course, error) {
	args := m.Called(ctx, id)
	if c := args.Get(0); c != nil {
		return c.(*domain.Course), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockClassRepository) SaveCourse(ctx context.Context, course *domain.Course) error {
	return m.Called(ctx, course).Error(0)
}

func (m *mockClassRepository) UpdatePlaybackPath(ctx context.Context, courseID domain.CourseID, classID domain.ClassID, path string) error {
	return m.Called(ctx, courseID, classID, path).Error(0)
}

type countingLiveMetrics struct {
	started atomic.Int32
	mu      sync.Mutex
	ended   []string
}

func (m *countingLiveMetrics) LiveSessionStarted() { m.started.Add(1) }

func (m *countingLiveMetrics) LiveSessionEnded(reason string) {
	m.mu.Lock()
	m.ended = append(m.ended, reason)
	m.mu.Unlock()
}

func (m *countingLiveMetrics) endReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ended...)
}
