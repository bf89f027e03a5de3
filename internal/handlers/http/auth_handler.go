package http

import (
	"net/http"

	"classcast/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

// AuthHandler reports what the platform token of the caller grants. Tokens
// are issued by the platform's auth service, never here.
type AuthHandler struct{}

func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

func (h *AuthHandler) Me(c *gin.Context) {
	auth, _ := middleware.AuthFromContext(c)
	c.JSON(http.StatusOK, gin.H{
		"principal":     auth.Principal,
		"user_id":       auth.UserID,
		"authorities":   auth.Authorities,
		"can_broadcast": auth.CanBroadcast(),
	})
}
