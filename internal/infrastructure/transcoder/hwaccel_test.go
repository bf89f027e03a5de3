package transcoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"classcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDetector(t *testing.T, glob string, smiOut string, smiErr error) (*Detector, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	d := NewDetector(glob, "nvidia-smi", zap.NewNop().Sugar())
	d.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls.Add(1)
		assert.Equal(t, "nvidia-smi", name)
		assert.Equal(t, []string{"-L"}, args)
		return []byte(smiOut), smiErr
	}
	return d, &calls
}

func TestDetector_PrefersRenderNode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "renderD129"), nil, 0o644))

	d, calls := newTestDetector(t, filepath.Join(dir, "renderD*"), "GPU 0: Tesla T4", nil)
	assert.Equal(t, domain.HWAccelVAAPI, d.Detect(context.Background()))
	assert.Equal(t, filepath.Join(dir, "renderD129"), d.RenderDevice(context.Background()))
	assert.Equal(t, int32(0), calls.Load(), "nvidia-smi is not consulted when a render node exists")
}

func TestDetector_NVENC(t *testing.T) {
	d, _ := newTestDetector(t, filepath.Join(t.TempDir(), "renderD*"), "GPU 0: NVIDIA GeForce RTX 3060 (UUID: GPU-1)\n", nil)
	assert.Equal(t, domain.HWAccelNVENC, d.Detect(context.Background()))
	assert.Empty(t, d.RenderDevice(context.Background()))
}

func TestDetector_SoftwareFallback(t *testing.T) {
	d, _ := newTestDetector(t, filepath.Join(t.TempDir(), "renderD*"), "", errors.New("executable file not found"))
	assert.Equal(t, domain.HWAccelSoftware, d.Detect(context.Background()))
}

func TestDetector_CachesUntilReset(t *testing.T) {
	d, calls := newTestDetector(t, filepath.Join(t.TempDir(), "renderD*"), "No devices found", nil)

	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.HWAccelSoftware, d.Detect(context.Background()))
	}
	assert.Equal(t, int32(1), calls.Load())

	d.Reset()
	d.Detect(context.Background())
	assert.Equal(t, int32(2), calls.Load())
}
