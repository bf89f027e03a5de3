package transcoder

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"classcast/internal/core/domain"

	"go.uber.org/zap"
)

const (
	DefaultRenderNodeGlob = "/dev/dri/renderD*"
	defaultRenderDevice   = "/dev/dri/renderD128"
	probeTimeout          = 5 * time.Second
)

// Detector picks the encode backend: a DRM render node means VAAPI, a GPU
// listed by nvidia-smi means NVENC, anything else is software. The first
// result is cached until Reset.
type Detector struct {
	renderGlob string
	nvidiaSMI  string
	run        commandRunner
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	done   bool
	accel  domain.HWAccel
	device string
}

func NewDetector(renderGlob, nvidiaSMI string, logger *zap.SugaredLogger) *Detector {
	if renderGlob == "" {
		renderGlob = DefaultRenderNodeGlob
	}
	if nvidiaSMI == "" {
		nvidiaSMI = "nvidia-smi"
	}
	return &Detector{
		renderGlob: renderGlob,
		nvidiaSMI:  nvidiaSMI,
		run:        runCommand,
		logger:     logger,
	}
}

// Detect returns the cached backend, probing the host on first use.
func (d *Detector) Detect(ctx context.Context) domain.HWAccel {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done {
		return d.accel
	}
	d.accel, d.device = d.probe(ctx)
	d.done = true

	d.logger.Infow("hardware acceleration detected", "accel", d.accel, "device", d.device)
	return d.accel
}

// RenderDevice is the VAAPI device node, empty unless Detect chose VAAPI.
func (d *Detector) RenderDevice(ctx context.Context) string {
	if d.Detect(ctx) != domain.HWAccelVAAPI {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}

// Reset drops the cached result.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.done = false
	d.accel = ""
	d.device = ""
	d.mu.Unlock()
}

func (d *Detector) probe(ctx context.Context) (domain.HWAccel, string) {
	nodes, err := filepath.Glob(d.renderGlob)
	if err == nil && len(nodes) > 0 {
		for _, n := range nodes {
			if n == defaultRenderDevice {
				return domain.HWAccelVAAPI, n
			}
		}
		return domain.HWAccelVAAPI, nodes[0]
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := d.run(ctx, d.nvidiaSMI, "-L")
	if err == nil && strings.Contains(string(out), "GPU") {
		return domain.HWAccelNVENC, ""
	}
	if err != nil {
		d.logger.Debugw("nvidia-smi probe failed", "error", err)
	}
	return domain.HWAccelSoftware, ""
}
