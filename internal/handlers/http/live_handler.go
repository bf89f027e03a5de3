package http

import (
	"net/http"
	"path/filepath"
	"regexp"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	"classcast/internal/infrastructure/middleware"
	apperrors "classcast/pkg/errors"
	"classcast/pkg/validation"

	"github.com/gin-gonic/gin"
)

// LiveHandler exposes the live orchestrator over REST. The OBS websocket
// channel is the primary trigger; these routes serve the web dashboard.
type LiveHandler struct {
	live ports.LiveService
}

func NewLiveHandler(live ports.LiveService) *LiveHandler {
	return &LiveHandler{live: live}
}

func (h *LiveHandler) StartLive(c *gin.Context) {
	auth, _ := middleware.AuthFromContext(c)

	session, err := h.live.StartLive(c.Request.Context(), auth.UserID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *LiveHandler) StopLive(c *gin.Context) {
	id, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if err := h.live.StopLive(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LiveHandler) LiveStatus(c *gin.Context) {
	id, ok := h.ownedSession(c)
	if !ok {
		return
	}
	session, err := h.live.Status(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// previewSegmentRe matches the segment names the preview output writes.
var previewSegmentRe = regexp.MustCompile(`^[0-9]{3,}\.ts$`)

// Preview serves the low latency preview playlist of a session.
func (h *LiveHandler) Preview(c *gin.Context) {
	id, ok := h.ownedSession(c)
	if !ok {
		return
	}
	playlist, err := h.live.Preview(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.File(playlist)
}

// PreviewSegment serves one segment listed by the preview playlist.
func (h *LiveHandler) PreviewSegment(c *gin.Context) {
	id, ok := h.ownedSession(c)
	if !ok {
		return
	}
	segment := c.Param("segment")
	if !previewSegmentRe.MatchString(segment) {
		c.Error(apperrors.NewInvalidInputError("invalid preview segment"))
		return
	}
	playlist, err := h.live.Preview(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.Header("Content-Type", "video/mp2t")
	c.File(filepath.Join(filepath.Dir(playlist), segment))
}

// ownedSession reads :session and checks the caller owns it. Admins may act
// on any session.
func (h *LiveHandler) ownedSession(c *gin.Context) (domain.SessionID, bool) {
	id := domain.SessionID(c.Param("session"))
	if err := validation.SessionID(string(id)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	auth, _ := middleware.AuthFromContext(c)
	if id.Owner() != auth.UserID && !auth.HasAuthority(domain.RoleAdmin) {
		c.Error(apperrors.NewForbiddenError("session belongs to another user"))
		return "", false
	}
	return id, true
}
