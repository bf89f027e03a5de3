package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/infrastructure/monitoring"
	apperrors "classcast/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticIdentity map[string]domain.Authentication

func (s staticIdentity) Authenticate(token string) (domain.Authentication, error) {
	auth, ok := s[token]
	if !ok {
		return domain.Authentication{}, errors.New("invalid token")
	}
	return auth, nil
}

var testIdentity = staticIdentity{
	"teacher": {Principal: "ana", UserID: "42", Authorities: []string{string(domain.RoleTeacher)}},
	"admin":   {Principal: "root", UserID: "1", Authorities: []string{string(domain.RoleAdmin)}},
	"student": {Principal: "bo", UserID: "7", Authorities: []string{string(domain.RoleStudent)}},
}

type fakeLive struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*domain.StreamingSession
	previews map[domain.SessionID]string
	stopped  []domain.SessionID
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		sessions: make(map[domain.SessionID]*domain.StreamingSession),
		previews: make(map[domain.SessionID]string),
	}
}

func (f *fakeLive) StartLive(_ context.Context, userID domain.UserID) (*domain.StreamingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID {
			return nil, apperrors.NewConflictError("user already has a live session")
		}
	}
	id := domain.NewSessionID(userID, "abcd1234")
	s := &domain.StreamingSession{ID: id, UserID: userID, State: domain.SessionStarting, StreamKey: id.StreamKey()}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeLive) StopLive(_ context.Context, id domain.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return apperrors.WrapError(domain.ErrSessionNotFound, apperrors.ErrCodeNotFound, "live session not found", http.StatusNotFound)
	}
	delete(f.sessions, id)
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeLive) Status(_ context.Context, id domain.SessionID) (*domain.StreamingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("live session")
	}
	return s, nil
}

func (f *fakeLive) SessionForUser(_ context.Context, userID domain.UserID) (*domain.StreamingSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID {
			return s, true
		}
	}
	return nil, false
}

func (f *fakeLive) Preview(_ context.Context, id domain.SessionID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return "", apperrors.NewNotFoundError("live session")
	}
	playlist, ok := f.previews[id]
	if !ok {
		return "", apperrors.NewNotFoundError("preview")
	}
	return playlist, nil
}

type fakeVOD struct {
	batch  *domain.BatchResult
	err    error
	byID   domain.CourseID
	course *domain.Course
}

func (f *fakeVOD) ConvertVideo(context.Context, domain.Class) (domain.ConversionResult, error) {
	return domain.ConversionResult{}, nil
}

func (f *fakeVOD) ConvertCourse(_ context.Context, course *domain.Course) (*domain.BatchResult, error) {
	f.course = course
	return f.batch, f.err
}

func (f *fakeVOD) ConvertCourseByID(_ context.Context, id domain.CourseID) (*domain.BatchResult, error) {
	f.byID = id
	return f.batch, f.err
}

type requestCounter struct {
	mu     sync.Mutex
	routes []string
}

func (r *requestCounter) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, method+" "+route)
}

func newTestRouter(t *testing.T, live *fakeLive, vod *fakeVOD) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterConfig{
		Identity: testIdentity,
		Live:     live,
		VOD:      vod,
		Health:   monitoring.NewHealthChecker(),
		Gatherer: prometheus.NewRegistry(),
		Logger:   zaptest.NewLogger(t).Sugar(),
	})
}

func do(router http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestLiveRoutes_Lifecycle(t *testing.T) {
	live := newFakeLive()
	router := newTestRouter(t, live, &fakeVOD{})

	w := do(router, http.MethodPost, "/api/v1/live", "teacher", "")
	require.Equal(t, http.StatusCreated, w.Code)
	session := decode(t, w)["session"].(map[string]any)
	assert.Equal(t, "42_abcd1234", session["session_id"])
	assert.Equal(t, "live_42_abcd1234", session["stream_key"])

	w = do(router, http.MethodPost, "/api/v1/live", "teacher", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodGet, "/api/v1/live/42_abcd1234", "teacher", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "starting", decode(t, w)["session"].(map[string]any)["state"])

	w = do(router, http.MethodDelete, "/api/v1/live/42_abcd1234", "teacher", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []domain.SessionID{"42_abcd1234"}, live.stopped)

	w = do(router, http.MethodDelete, "/api/v1/live/42_abcd1234", "teacher", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLiveRoutes_Authorization(t *testing.T) {
	live := newFakeLive()
	router := newTestRouter(t, live, &fakeVOD{})
	_, err := live.StartLive(context.Background(), "43")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"no token", http.MethodPost, "/api/v1/live", "", http.StatusUnauthorized},
		{"bad token", http.MethodPost, "/api/v1/live", "forged", http.StatusUnauthorized},
		{"student", http.MethodPost, "/api/v1/live", "student", http.StatusForbidden},
		{"other teacher's session", http.MethodDelete, "/api/v1/live/43_abcd1234", "teacher", http.StatusForbidden},
		{"admin reads any session", http.MethodGet, "/api/v1/live/43_abcd1234", "admin", http.StatusOK},
		{"malformed session id", http.MethodGet, "/api/v1/live/42", "teacher", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.method, tt.path, tt.token, "")
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, live.stopped)
}

func TestLiveRoutes_Preview(t *testing.T) {
	live := newFakeLive()
	router := newTestRouter(t, live, &fakeVOD{})
	_, err := live.StartLive(context.Background(), "42")
	require.NoError(t, err)

	w := do(router, http.MethodGet, "/api/v1/live/42_abcd1234/preview", "teacher", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "preview disabled")

	dir := t.TempDir()
	playlist := filepath.Join(dir, domain.PreviewPlaylist)
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n#EXTINF:0.5,\npreview/000.ts\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000.ts"), []byte("ts-bytes"), 0o644))
	live.mu.Lock()
	live.previews["42_abcd1234"] = playlist
	live.mu.Unlock()

	w = do(router, http.MethodGet, "/api/v1/live/42_abcd1234/preview", "teacher", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "preview/000.ts")
	assert.Equal(t, "application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))

	w = do(router, http.MethodGet, "/api/v1/live/42_abcd1234/preview/000.ts", "teacher", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ts-bytes", w.Body.String())

	w = do(router, http.MethodGet, "/api/v1/live/42_abcd1234/preview/config.yaml", "teacher", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/live/42_abcd1234/preview", "student", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestConvertCourseRoute(t *testing.T) {
	t.Run("by id", func(t *testing.T) {
		vod := &fakeVOD{batch: &domain.BatchResult{CourseID: "c1", Converted: 2}}
		router := newTestRouter(t, newFakeLive(), vod)

		w := do(router, http.MethodPost, "/api/v1/courses/c1/convert", "teacher", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, domain.CourseID("c1"), vod.byID)
		assert.EqualValues(t, 2, decode(t, w)["converted"])
	})

	t.Run("document in body", func(t *testing.T) {
		vod := &fakeVOD{batch: &domain.BatchResult{CourseID: "c1", Converted: 1, Failed: 1}}
		router := newTestRouter(t, newFakeLive(), vod)

		body := `{"nombre_curso":"Algebra","clases_curso":[{"id_clase":"1","direccion_clase":"/media/a.mp4"}]}`
		w := do(router, http.MethodPost, "/api/v1/courses/c1/convert", "teacher", body)
		require.Equal(t, http.StatusMultiStatus, w.Code)
		require.NotNil(t, vod.course)
		assert.Equal(t, domain.CourseID("c1"), vod.course.ID)
		assert.Equal(t, "/media/a.mp4", vod.course.Classes[0].Path)
	})

	t.Run("mismatched id", func(t *testing.T) {
		router := newTestRouter(t, newFakeLive(), &fakeVOD{})
		w := do(router, http.MethodPost, "/api/v1/courses/c1/convert", "teacher", `{"id_curso":"c2"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		router := newTestRouter(t, newFakeLive(), &fakeVOD{})
		w := do(router, http.MethodPost, "/api/v1/courses/a.b/convert", "teacher", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown course", func(t *testing.T) {
		vod := &fakeVOD{err: apperrors.WrapError(domain.ErrCourseNotFound, apperrors.ErrCodeNotFound, "course not found", http.StatusNotFound)}
		router := newTestRouter(t, newFakeLive(), vod)
		w := do(router, http.MethodPost, "/api/v1/courses/zz/convert", "admin", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestMeRoute(t *testing.T) {
	router := newTestRouter(t, newFakeLive(), &fakeVOD{})

	w := do(router, http.MethodGet, "/api/v1/auth/me", "student", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "7", body["user_id"])
	assert.Equal(t, false, body["can_broadcast"])
}

func TestOperationalRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	health := monitoring.NewHealthChecker()
	health.AddCheck("ffmpeg", func(context.Context) error {
		return errors.New("not found")
	}, time.Minute, time.Second)
	observer := &requestCounter{}
	router := NewRouter(RouterConfig{
		Identity: testIdentity,
		Live:     newFakeLive(),
		VOD:      &fakeVOD{},
		Health:   health,
		Gatherer: prometheus.NewRegistry(),
		Observer: observer,
		Logger:   zaptest.NewLogger(t).Sugar(),
	})

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/health", "", "").Code)

	w := do(router, http.MethodGet, "/ready", "", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not found", decode(t, w)["checks"].(map[string]any)["ffmpeg"])

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/metrics", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/nope", "", "").Code)

	assert.Contains(t, observer.routes, "GET /ready")
	assert.Contains(t, observer.routes, "GET unmatched")
}
