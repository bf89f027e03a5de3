package middleware

import (
	"strings"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	apperrors "classcast/pkg/errors"
	"classcast/pkg/logger"

	"github.com/gin-gonic/gin"
)

const authContextKey = "auth"

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func AuthMiddleware(identity ports.IdentityValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			abortWithError(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}
		token, ok := bearerToken(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		auth, err := identity.Authenticate(token)
		if err != nil {
			abortWithError(c, apperrors.NewAuthenticationError(err, err.Error()))
			return
		}

		c.Set(authContextKey, auth)
		c.Set("user_id", auth.UserID)
		c.Request = c.Request.WithContext(logger.WithSession(c.Request.Context(), string(auth.UserID), ""))
		c.Next()
	}
}

// RequireBroadcaster lets through teachers and admins only. It must run
// after AuthMiddleware.
func RequireBroadcaster() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth, ok := AuthFromContext(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("authentication required"))
			return
		}
		if !auth.CanBroadcast() {
			abortWithError(c, apperrors.NewForbiddenError(domain.ErrForbidden.Error()))
			return
		}
		c.Next()
	}
}

func AuthFromContext(c *gin.Context) (domain.Authentication, bool) {
	v, exists := c.Get(authContextKey)
	if !exists {
		return domain.Authentication{}, false
	}
	auth, ok := v.(domain.Authentication)
	return auth, ok
}

func abortWithError(c *gin.Context, err *apperrors.AppError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error":   string(err.Code),
		"message": err.Message,
	})
}
