package http

import (
	"net/http"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	apperrors "classcast/pkg/errors"
	"classcast/pkg/validation"

	"github.com/gin-gonic/gin"
)

type VODHandler struct {
	vod ports.VODService
}

func NewVODHandler(vod ports.VODService) *VODHandler {
	return &VODHandler{vod: vod}
}

// ConvertCourse converts every class of the course. A body carrying the
// course document is used as is; otherwise the course is loaded by id.
func (h *VODHandler) ConvertCourse(c *gin.Context) {
	id := domain.CourseID(c.Param("id"))
	if err := validation.CourseID(string(id)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	var (
		batch *domain.BatchResult
		err   error
	)
	if c.Request.ContentLength > 0 {
		var course domain.Course
		if err := c.ShouldBindJSON(&course); err != nil {
			c.Error(apperrors.NewInvalidInputError("invalid course document: " + err.Error()))
			return
		}
		if course.ID != "" && course.ID != id {
			c.Error(apperrors.NewInvalidInputError("course id does not match the path"))
			return
		}
		course.ID = id
		batch, err = h.vod.ConvertCourse(c.Request.Context(), &course)
	} else {
		batch, err = h.vod.ConvertCourseByID(c.Request.Context(), id)
	}
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusOK
	if batch.Failed > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, batch)
}
