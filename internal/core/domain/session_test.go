package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionFromStreamKey(t *testing.T) {
	id, err := SessionFromStreamKey("live_42_abcdef")
	require.NoError(t, err)
	assert.Equal(t, SessionID("42_abcdef"), id)
	assert.Equal(t, UserID("42"), id.Owner())
	assert.Equal(t, "live_42_abcdef", id.StreamKey())

	for _, key := range []string{"", "live", "live_"} {
		_, err := SessionFromStreamKey(key)
		assert.ErrorIs(t, err, ErrInvalidStreamKey, key)
	}
}

func TestNewSessionID(t *testing.T) {
	assert.Equal(t, SessionID("42_abcdef"), NewSessionID("42", "abcdef"))
}

func TestSessionID_Owner(t *testing.T) {
	assert.Equal(t, UserID("42"), SessionID("42_abcdef").Owner())
	assert.Equal(t, UserID("a_b"), NewSessionID("a_b", "abcdef").Owner())
	assert.Equal(t, UserID("42"), SessionID("42").Owner())
}

func TestAuthentication_CanBroadcast(t *testing.T) {
	teacher := Authentication{Principal: "ana", Authorities: []string{"ROLE_ESTUDIANTE", " ROLE_PROF"}, UserID: "7"}
	student := Authentication{Principal: "bo", Authorities: []string{"ROLE_ESTUDIANTE"}, UserID: "8"}

	assert.True(t, teacher.CanBroadcast())
	assert.False(t, student.CanBroadcast())
	assert.True(t, Authentication{Authorities: []string{"role_admin"}}.CanBroadcast())
}

func TestIsPlaylistPath(t *testing.T) {
	assert.True(t, IsPlaylistPath("/media/1/2/master.m3u8"))
	assert.True(t, IsPlaylistPath("x.M3U8"))
	assert.False(t, IsPlaylistPath("/uploads/lesson.mp4"))
}
