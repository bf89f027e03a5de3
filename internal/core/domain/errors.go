package domain

import "errors"

var (
	ErrSessionExists      = errors.New("session already registered")
	ErrSessionNotFound    = errors.New("session not found")
	ErrPortInUse          = errors.New("port already bound to a session")
	ErrUserHasLiveSession = errors.New("user already has a live session")
	ErrNoFreePort         = errors.New("no free transcoder port")
	ErrNoClasses          = errors.New("course has no classes")
	ErrCourseNotFound     = errors.New("course not found")
	ErrClassNotFound      = errors.New("class not found")
	ErrUnauthenticated    = errors.New("connection is not authenticated")
	ErrForbidden          = errors.New("insufficient privileges")
	ErrInvalidStreamKey   = errors.New("invalid stream key")
)
