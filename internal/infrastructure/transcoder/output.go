package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"classcast/internal/core/domain"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
)

// Store implements the orchestrator's view of output directories.
type Store struct {
	publicDir string
}

func NewStore(publicDir string) *Store {
	return &Store{publicDir: publicDir}
}

func (s *Store) WaitForPlaylist(ctx context.Context, dir string) error {
	return WaitForPlaylist(ctx, dir, domain.MasterPlaylist)
}

func (s *Store) WaitForPreview(ctx context.Context, dir string) error {
	return WaitForPlaylist(ctx, dir, domain.PreviewPlaylist)
}

// RemovePreview drops a preview directory; previews are never kept.
func (s *Store) RemovePreview(dir string) error {
	return os.RemoveAll(dir)
}

func (s *Store) Publish(staging, final string) (string, error) {
	return PublishDir(staging, final)
}

func (s *Store) IsConverted(path string) bool {
	return IsConverted(path, s.publicDir)
}

// CompleteMarker is written into a published directory once every file is in place.
const CompleteMarker = ".complete"

type completion struct {
	Master      string    `json:"master"`
	PublishedAt time.Time `json:"published_at"`
}

// WaitForPlaylist blocks until dir/name exists with content or ctx is done.
func WaitForPlaylist(ctx context.Context, dir, name string) error {
	path := filepath.Join(dir, name)
	if nonEmpty(path) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}
	// the file may have appeared before the watch was registered
	if nonEmpty(path) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("playlist watcher closed")
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if nonEmpty(path) {
					return nil
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("playlist watcher closed")
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// PublishDir moves a finished staging directory to final, replacing any
// previous output, and then writes the completion marker. Readers that
// check the marker never see a partial tree.
func PublishDir(staging, final string) (string, error) {
	if !nonEmpty(filepath.Join(staging, domain.MasterPlaylist)) {
		return "", fmt.Errorf("staging directory %s has no %s", staging, domain.MasterPlaylist)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("create public parent: %w", err)
	}
	if err := os.RemoveAll(final); err != nil {
		return "", fmt.Errorf("remove previous output: %w", err)
	}

	if err := os.Rename(staging, final); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return "", fmt.Errorf("move output: %w", err)
		}
		// staging and public live on different filesystems
		partial := final + ".partial"
		os.RemoveAll(partial)
		if err := copyTree(staging, partial); err != nil {
			os.RemoveAll(partial)
			return "", fmt.Errorf("copy output: %w", err)
		}
		if err := os.Rename(partial, final); err != nil {
			os.RemoveAll(partial)
			return "", fmt.Errorf("move output: %w", err)
		}
		os.RemoveAll(staging)
	}

	master := filepath.Join(final, domain.MasterPlaylist)
	marker, err := json.Marshal(completion{Master: master, PublishedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := renameio.WriteFile(filepath.Join(final, CompleteMarker), marker, 0o644); err != nil {
		return "", fmt.Errorf("write completion marker: %w", err)
	}
	return master, nil
}

// IsConverted reports whether a class path already points at HLS output:
// a playlist, or anything under the public tree.
func IsConverted(path, publicDir string) bool {
	if domain.IsPlaylistPath(path) {
		return true
	}
	if publicDir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(publicDir), filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsPublished reports whether dir carries a completion marker.
func IsPublished(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, CompleteMarker))
	return err == nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
