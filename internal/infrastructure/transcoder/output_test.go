package transcoder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"classcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForPlaylist(t *testing.T) {
	dir := t.TempDir()

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, "ignored.ts"), []byte("x"), 0o644)
		os.WriteFile(filepath.Join(dir, domain.MasterPlaylist), []byte("#EXTM3U\n"), 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, WaitForPlaylist(ctx, dir, domain.MasterPlaylist))
}

func TestWaitForPlaylist_AlreadyThere(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain.MasterPlaylist), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, WaitForPlaylist(context.Background(), dir, domain.MasterPlaylist))
}

func TestWaitForPlaylist_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := WaitForPlaylist(ctx, t.TempDir(), domain.MasterPlaylist)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_Preview(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "previews", "42_abcdef")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	store := NewStore(t.TempDir())

	go func() {
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, domain.PreviewPlaylist), []byte("#EXTM3U\n"), 0o644)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, store.WaitForPreview(ctx, dir))

	require.NoError(t, store.RemovePreview(dir))
	assert.NoDirExists(t, dir)
	assert.NoError(t, store.RemovePreview(dir), "removing twice is fine")
}

func TestPublishDir(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(root, "staging", "7", "3")
	final := filepath.Join(root, "public", "7", "3")

	require.NoError(t, os.MkdirAll(filepath.Join(staging, "1280x720@30"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, domain.MasterPlaylist), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "1280x720@30", "data000.ts"), []byte("ts"), 0o644))

	// stale output from an earlier run is replaced
	require.NoError(t, os.MkdirAll(final, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(final, "stale.ts"), []byte("old"), 0o644))

	master, err := PublishDir(staging, final)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(final, domain.MasterPlaylist), master)

	assert.FileExists(t, filepath.Join(final, "1280x720@30", "data000.ts"))
	assert.NoFileExists(t, filepath.Join(final, "stale.ts"))
	assert.NoDirExists(t, staging)
	assert.True(t, IsPublished(final))

	raw, err := os.ReadFile(filepath.Join(final, CompleteMarker))
	require.NoError(t, err)
	var c completion
	require.NoError(t, json.Unmarshal(raw, &c))
	assert.Equal(t, master, c.Master)
}

func TestPublishDir_RequiresMasterPlaylist(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(root, "staging")
	require.NoError(t, os.MkdirAll(staging, 0o755))

	_, err := PublishDir(staging, filepath.Join(root, "public"))
	assert.Error(t, err)
	assert.NoDirExists(t, filepath.Join(root, "public"))
}

func TestIsConverted(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/var/lib/classcast/vod/1/2/master.m3u8", true},
		{"/uploads/clase.M3U8", true},
		{"/var/lib/classcast/vod/1/2/original.mp4", true},
		{"/uploads/clase.mp4", false},
		{"/var/lib/classcast/vodka/clase.mp4", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsConverted(tt.path, "/var/lib/classcast/vod"), tt.path)
	}
	assert.False(t, IsConverted("/uploads/clase.mp4", ""))
}
