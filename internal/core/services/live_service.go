package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	apperrors "classcast/pkg/errors"
	"classcast/pkg/tracing"
	"classcast/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrServiceClosed = errors.New("live service is shutting down")

// LiveMetrics receives live session lifecycle events.
type LiveMetrics interface {
	LiveSessionStarted()
	LiveSessionEnded(reason string)
}

type LiveConfig struct {
	PortMin      int
	PortMax      int
	OutputDir    string
	StopGrace    time.Duration
	ReadyTimeout time.Duration
	MaxRungs     int
	// Source is the nominal encoder output the ladder is built for.
	Source    domain.SourceInfo
	Record    bool
	PublicURL string
	// RefreshInterval renews the registry lease of each session; zero disables it.
	RefreshInterval time.Duration
	// Preview adds a low latency preview under OutputDir/previews/<session>.
	Preview bool
}

type liveEntry struct {
	mu      sync.Mutex
	session domain.StreamingSession
	proc    ports.TranscoderProcess
	// closed by the supervisor once the registry entry is gone
	released chan struct{}
}

func (e *liveEntry) snapshot() *domain.StreamingSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	s.Renditions = append([]domain.Rendition(nil), e.session.Renditions...)
	return &s
}

// active reports whether the session still wants to be routable.
func (e *liveEntry) active() bool {
	select {
	case <-e.proc.Done():
		return false
	default:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.State == domain.SessionStarting || e.session.State == domain.SessionLive
}

func (e *liveEntry) setState(state domain.SessionState) {
	e.mu.Lock()
	e.session.State = state
	e.mu.Unlock()
}

// LiveService owns every live transcoder of this instance: it reserves a
// port, registers the session before launch and supervises the process
// until it exits.
type LiveService struct {
	cfg      LiveConfig
	registry ports.SessionRegistry
	runner   ports.TranscoderRunner
	hw       ports.HWDetector
	output   ports.OutputStore
	metrics  LiveMetrics
	logger   *zap.SugaredLogger

	portFree func(port int) bool
	newToken func() string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[domain.SessionID]*liveEntry
	reserved map[int]struct{}
	closed   bool
}

func NewLiveService(
	cfg LiveConfig,
	registry ports.SessionRegistry,
	runner ports.TranscoderRunner,
	hw ports.HWDetector,
	output ports.OutputStore,
	metrics LiveMetrics,
	logger *zap.SugaredLogger,
) *LiveService {
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveService{
		cfg:      cfg,
		registry: registry,
		runner:   runner,
		hw:       hw,
		output:   output,
		metrics:  metrics,
		logger:   logger,
		portFree: bindProbe,
		newToken: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[domain.SessionID]*liveEntry),
		reserved: make(map[int]struct{}),
	}
}

var _ ports.LiveService = (*LiveService)(nil)

func (s *LiveService) StartLive(ctx context.Context, userID domain.UserID) (*domain.StreamingSession, error) {
	ctx, span := tracing.TraceLiveSession(ctx, "start", string(userID), "")
	defer span.End()

	if err := validation.UserID(string(userID)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if existing, ok, err := s.registry.SessionForUser(ctx, userID); err != nil {
		return nil, apperrors.NewResourceError(err, "session registry unavailable")
	} else if ok {
		return nil, apperrors.WrapError(domain.ErrUserHasLiveSession, apperrors.ErrCodeConflict,
			"user already has a live session", http.StatusConflict).WithContext("session_id", existing)
	}

	accel := s.hw.Detect(ctx)
	ladder, err := domain.SelectLadder(s.cfg.Source, accel, s.cfg.MaxRungs)
	if err != nil {
		return nil, apperrors.NewResourceError(err, "no encoding ladder for the live source")
	}

	id, port, err := s.registerOnFreePort(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer s.releasePort(port)
	tracing.AddSpanAttributes(ctx, tracing.SessionIDKey.String(string(id)), tracing.PortKey.Int(port))
	log := s.logger.With("session_id", id, "user_id", userID, "port", port)

	outputDir := filepath.Join(s.cfg.OutputDir, string(id))
	previewDir := s.previewDir(id)
	job := domain.TranscodeJob{
		Name:        "live-" + string(id),
		Mode:        domain.TranscodeLive,
		Input:       id.TranscoderURL(port),
		Listen:      true,
		OutputDir:   outputDir,
		Source:      s.cfg.Source,
		Renditions:  ladder,
		Accel:       accel,
		VAAPIDevice: s.hw.RenderDevice(ctx),
		Record:      s.cfg.Record,
		PreviewDir:  previewDir,
	}

	proc, err := s.runner.Spawn(s.baseCtx, job, s.cfg.StopGrace)
	if err != nil {
		if uerr := s.registry.Unregister(context.Background(), id); uerr != nil {
			log.Errorw("failed to unregister session after spawn failure", "error", uerr)
		}
		if previewDir != "" && s.output != nil {
			s.output.RemovePreview(previewDir)
		}
		tracing.RecordError(ctx, err)
		log.Errorw("failed to spawn live transcoder", "error", err)
		if apperrors.GetAppError(err) != nil {
			return nil, err
		}
		return nil, apperrors.NewProcessError(err, "failed to start transcoder")
	}

	entry := &liveEntry{
		session: domain.StreamingSession{
			ID:            id,
			UserID:        userID,
			State:         domain.SessionStarting,
			TransportPort: port,
			StreamKey:     id.StreamKey(),
			RTMPURL:       s.cfg.PublicURL,
			Process:       proc,
			Renditions:    ladder,
			Accel:         accel,
			OutputDir:     outputDir,
			PreviewDir:    previewDir,
			StartedAt:     time.Now(),
		},
		proc:     proc,
		released: make(chan struct{}),
	}

	if err := s.registry.Attach(id, proc); err != nil {
		log.Warnw("failed to attach process handle", "error", err)
	}

	snap := entry.snapshot()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		proc.Stop(s.cfg.StopGrace)
		s.registry.Unregister(context.Background(), id)
		return nil, apperrors.NewServiceUnavailableError(ErrServiceClosed.Error())
	}
	s.sessions[id] = entry
	s.wg.Add(3)
	s.mu.Unlock()

	go s.supervise(entry)
	go s.awaitReady(entry)
	go s.keepRegistered(entry)

	if s.metrics != nil {
		s.metrics.LiveSessionStarted()
	}
	log.Infow("live session started", "accel", accel, "renditions", len(ladder), "pid", proc.Pid())
	return snap, nil
}

// supervise unregisters the session when its transcoder exits, whatever
// the cause, so no port stays mapped to a dead process.
func (s *LiveService) supervise(e *liveEntry) {
	defer s.wg.Done()

	err := e.proc.Wait()
	id := e.session.ID

	state, reason := domain.SessionStopped, "stopped"
	if !e.proc.Stopped() {
		state, reason = domain.SessionFailed, "exited"
		if err == nil {
			reason = "finished"
		}
	}
	e.setState(state)

	if uerr := s.registry.Unregister(context.Background(), id); uerr != nil {
		s.logger.Errorw("failed to unregister session", "session_id", id, "error", uerr)
	}

	if e.session.PreviewDir != "" && s.output != nil {
		if rerr := s.output.RemovePreview(e.session.PreviewDir); rerr != nil {
			s.logger.Warnw("failed to remove preview", "session_id", id, "error", rerr)
		}
	}

	s.mu.Lock()
	if cur, ok := s.sessions[id]; ok && cur == e {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.LiveSessionEnded(reason)
	}
	s.logger.Infow("live session ended", "session_id", id, "reason", reason, "error", err)
	close(e.released)
}

// keepRegistered renews the registry lease while the transcoder runs. An
// entry that expired anyway (registry outage longer than the lease) is
// written again so the encoder stays routable.
func (s *LiveService) keepRegistered(e *liveEntry) {
	defer s.wg.Done()
	if s.cfg.RefreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.proc.Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RefreshInterval)
		err := s.registry.Refresh(ctx, e.session.ID)
		if errors.Is(err, domain.ErrSessionNotFound) && e.active() {
			s.logger.Warnw("session lease expired, registering again", "session_id", e.session.ID)
			err = s.registry.Register(ctx, e.session.ID, e.session.UserID, e.session.TransportPort, e.proc)
			if err == nil && !e.active() {
				// lost a race with stop; supervise already unregistered
				err = s.registry.Unregister(ctx, e.session.ID)
			}
		}
		cancel()
		if err != nil {
			s.logger.Warnw("failed to renew session lease", "session_id", e.session.ID, "error", err)
		}
	}
}

// awaitReady flips the session to live once the master playlist exists.
func (s *LiveService) awaitReady(e *liveEntry) {
	defer s.wg.Done()
	if s.output == nil {
		e.setState(domain.SessionLive)
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.ReadyTimeout)
	defer cancel()
	go func() {
		select {
		case <-e.proc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.output.WaitForPlaylist(ctx, e.session.OutputDir); err != nil {
		s.logger.Debugw("live playlist not ready", "session_id", e.session.ID, "error", err)
		return
	}
	e.mu.Lock()
	if e.session.State == domain.SessionStarting {
		e.session.State = domain.SessionLive
	}
	e.mu.Unlock()
}

// StopLive stops the transcoder and returns once the registry no longer
// maps the session, so its port can be reused immediately.
func (s *LiveService) StopLive(ctx context.Context, sessionID domain.SessionID) error {
	ctx, span := tracing.TraceLiveSession(ctx, "stop", string(sessionID.Owner()), string(sessionID))
	defer span.End()

	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return apperrors.WrapError(domain.ErrSessionNotFound, apperrors.ErrCodeNotFound, "session not found", http.StatusNotFound).
			WithContext("session_id", sessionID)
	}

	e.setState(domain.SessionStopping)
	stopErr := e.proc.Stop(s.cfg.StopGrace)
	if stopErr != nil {
		tracing.RecordError(ctx, stopErr)
		s.logger.Errorw("transcoder did not stop cleanly", "session_id", sessionID, "error", stopErr)
	}

	if err := s.registry.Unregister(ctx, sessionID); err != nil {
		return apperrors.NewResourceError(err, "failed to unregister session")
	}

	select {
	case <-e.released:
	case <-ctx.Done():
		return ctx.Err()
	}
	return stopErr
}

func (s *LiveService) Status(ctx context.Context, sessionID domain.SessionID) (*domain.StreamingSession, error) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, apperrors.WrapError(domain.ErrSessionNotFound, apperrors.ErrCodeNotFound, "session not found", http.StatusNotFound)
	}
	return e.snapshot(), nil
}

// Preview waits, up to ReadyTimeout, for the session's preview playlist and
// returns its path.
func (s *LiveService) Preview(ctx context.Context, sessionID domain.SessionID) (string, error) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", apperrors.WrapError(domain.ErrSessionNotFound, apperrors.ErrCodeNotFound, "session not found", http.StatusNotFound)
	}
	snap := e.snapshot()
	if snap.PreviewDir == "" {
		return "", apperrors.NewNotFoundError("preview")
	}

	if s.output != nil {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
		defer cancel()
		go func() {
			select {
			case <-e.proc.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := s.output.WaitForPreview(ctx, snap.PreviewDir); err != nil {
			return "", apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "preview not ready", http.StatusServiceUnavailable).
				WithContext("session_id", sessionID)
		}
	}
	return filepath.Join(snap.PreviewDir, domain.PreviewPlaylist), nil
}

// previewDir is absolute: the transcoder runs inside the session directory.
func (s *LiveService) previewDir(id domain.SessionID) string {
	if !s.cfg.Preview {
		return ""
	}
	dir, err := filepath.Abs(filepath.Join(s.cfg.OutputDir, "previews", string(id)))
	if err != nil {
		s.logger.Warnw("preview disabled for session", "session_id", id, "error", err)
		return ""
	}
	return dir
}

func (s *LiveService) SessionForUser(ctx context.Context, userID domain.UserID) (*domain.StreamingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sessions {
		if e.session.UserID == userID {
			return e.snapshot(), true
		}
	}
	return nil, false
}

// Sessions lists the sessions owned by this instance.
func (s *LiveService) Sessions() []*domain.StreamingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.StreamingSession, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.snapshot())
	}
	return out
}

// Shutdown stops every session and waits for their supervisors.
func (s *LiveService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]domain.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := s.StopLive(gctx, id)
			if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// registerOnFreePort reserves a port and registers the session on it. A port
// the registry still maps (a leftover from another process) is skipped.
// The returned port stays reserved until releasePort.
func (s *LiveService) registerOnFreePort(ctx context.Context, userID domain.UserID) (domain.SessionID, int, error) {
	skip := make(map[int]bool)
	for {
		port, err := s.reservePort(skip)
		if err != nil {
			return "", 0, err
		}

		id := domain.NewSessionID(userID, s.newToken())
		// registered before launch so an encoder that connects early is routed
		err = s.registry.Register(ctx, id, userID, port, nil)
		switch {
		case err == nil:
			return id, port, nil
		case errors.Is(err, domain.ErrPortInUse):
			s.logger.Warnw("transcoder port still mapped in registry, trying next", "port", port)
			s.releasePort(port)
			skip[port] = true
		case errors.Is(err, domain.ErrUserHasLiveSession):
			s.releasePort(port)
			return "", 0, apperrors.WrapError(err, apperrors.ErrCodeConflict, "user already has a live session", http.StatusConflict)
		default:
			s.releasePort(port)
			return "", 0, apperrors.NewResourceError(err, "failed to register session")
		}
	}
}

func (s *LiveService) reservePort(skip map[int]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, apperrors.NewServiceUnavailableError(ErrServiceClosed.Error())
	}

	inUse := make(map[int]bool, len(s.sessions))
	for _, e := range s.sessions {
		inUse[e.session.TransportPort] = true
	}
	for port := s.cfg.PortMin; port <= s.cfg.PortMax; port++ {
		if _, taken := s.reserved[port]; taken || inUse[port] || skip[port] {
			continue
		}
		if !s.portFree(port) {
			continue
		}
		s.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, apperrors.NewResourceError(domain.ErrNoFreePort,
		fmt.Sprintf("no free transcoder port in %d-%d", s.cfg.PortMin, s.cfg.PortMax))
}

func (s *LiveService) releasePort(port int) {
	s.mu.Lock()
	delete(s.reserved, port)
	s.mu.Unlock()
}

func bindProbe(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
