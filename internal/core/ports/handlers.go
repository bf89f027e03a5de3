package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	StartLive(c *gin.Context)
	StopLive(c *gin.Context)
	LiveStatus(c *gin.Context)
	ConvertCourse(c *gin.Context)
}
