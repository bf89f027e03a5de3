package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	apperrors "classcast/pkg/errors"

	"go.uber.org/zap"
)

const (
	stderrTailLines = 64
	killWait        = 5 * time.Second
)

var ErrStopTimeout = errors.New("transcoder did not exit after SIGKILL")

// Progress is the latest block ffmpeg wrote with -progress.
type Progress struct {
	Frame     int64
	FPS       float64
	OutTimeUs int64
	TotalSize int64
	Speed     string
	State     string
	UpdatedAt time.Time
}

// Runner spawns supervised ffmpeg processes.
type Runner struct {
	bin    string
	logger *zap.SugaredLogger
}

func NewRunner(ffmpegPath string, logger *zap.SugaredLogger) *Runner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Runner{bin: ffmpegPath, logger: logger}
}

// Process is a running transcoder. Its pipes are drained by dedicated
// goroutines started before the process is waited on.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.SugaredLogger

	done    chan struct{}
	exitErr error

	mu       sync.Mutex
	progress Progress
	tail     []string

	stopping atomic.Bool
	stopMu   sync.Mutex
}

// Start launches the binary with args in dir. Cancelling ctx stops the
// process with grace; pass a long-lived context for live sessions.
func (r *Runner) Start(ctx context.Context, name string, args []string, dir string, grace time.Duration) (*Process, error) {
	cmd := exec.Command(r.bin, args...)
	cmd.Dir = dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.NewProcessError(err, "transcoder stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.NewProcessError(err, "transcoder stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.NewProcessError(err, "transcoder stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.NewProcessError(err, fmt.Sprintf("failed to start %s", r.bin)).
			WithContext("name", name)
	}

	p := &Process{
		name:   name,
		cmd:    cmd,
		stdin:  stdin,
		logger: r.logger.With("transcoder", name, "pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}
	p.logger.Infow("transcoder started", "dir", dir)

	var drains sync.WaitGroup
	drains.Add(2)
	go func() {
		defer drains.Done()
		p.readProgress(stdout)
	}()
	go func() {
		defer drains.Done()
		p.readStderr(stderr)
	}()

	go func() {
		drains.Wait()
		p.exitErr = cmd.Wait()
		close(p.done)

		if p.exitErr != nil && !p.stopping.Load() {
			p.logger.Warnw("transcoder exited", "error", p.exitErr, "stderr", p.StderrTail())
		} else {
			p.logger.Infow("transcoder exited", "error", p.exitErr)
		}
	}()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.Stop(grace)
			case <-p.done:
			}
		}()
	}

	return p, nil
}

func (p *Process) Name() string { return p.name }

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and both pipes are drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until exit and returns the exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.exitErr
}

// ExitErr is nil while the process runs or after a clean exit.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Stopped reports whether the exit was requested through Stop.
func (p *Process) Stopped() bool { return p.stopping.Load() }

func (p *Process) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *Process) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tail...)
}

// Stop asks ffmpeg to finish with 'q' on stdin, escalates to SIGTERM for
// the process group after grace and to SIGKILL after another grace.
func (p *Process) Stop(grace time.Duration) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}
	p.stopping.Store(true)

	if _, err := io.WriteString(p.stdin, "q\n"); err != nil {
		p.logger.Debugw("write quit command failed", "error", err)
	}
	p.stdin.Close()
	if p.waitFor(grace) {
		return nil
	}

	p.logger.Warnw("transcoder ignored quit, sending SIGTERM", "grace", grace)
	if err := terminateGroup(p.cmd); err != nil {
		p.logger.Warnw("SIGTERM failed", "error", err)
	}
	if p.waitFor(grace) {
		return nil
	}

	p.logger.Warnw("transcoder ignored SIGTERM, sending SIGKILL")
	if err := killGroup(p.cmd); err != nil {
		p.logger.Warnw("SIGKILL failed", "error", err)
	}
	if p.waitFor(killWait) {
		return nil
	}
	return apperrors.NewProcessError(ErrStopTimeout, "transcoder termination timed out").
		WithContext("pid", p.Pid())
}

func (p *Process) waitFor(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// readProgress parses the key=value blocks of -progress pipe:1. Each block
// ends with a "progress" key.
func (p *Process) readProgress(r io.Reader) {
	scanner := bufio.NewScanner(r)
	var cur Progress
	for scanner.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "frame":
			cur.Frame, _ = strconv.ParseInt(val, 10, 64)
		case "fps":
			cur.FPS, _ = strconv.ParseFloat(val, 64)
		case "out_time_us":
			cur.OutTimeUs, _ = strconv.ParseInt(val, 10, 64)
		case "total_size":
			cur.TotalSize, _ = strconv.ParseInt(val, 10, 64)
		case "speed":
			cur.Speed = strings.TrimSpace(val)
		case "progress":
			cur.State = val
			cur.UpdatedAt = time.Now()
			p.mu.Lock()
			p.progress = cur
			p.mu.Unlock()
		}
	}
	// keep draining whatever is left so the child never blocks on a full pipe
	io.Copy(io.Discard, r)
}

func (p *Process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.mu.Lock()
		if len(p.tail) == stderrTailLines {
			copy(p.tail, p.tail[1:])
			p.tail = p.tail[:stderrTailLines-1]
		}
		p.tail = append(p.tail, line)
		p.mu.Unlock()
		p.logger.Debugw("ffmpeg", "line", line)
	}
	io.Copy(io.Discard, r)
}

// Spawn builds the ffmpeg arguments for job and starts it in job.OutputDir.
func (r *Runner) Spawn(ctx context.Context, job domain.TranscodeJob, grace time.Duration) (ports.TranscoderProcess, error) {
	args, err := BuildHLSArgs(job)
	if err != nil {
		return nil, apperrors.NewProcessError(err, "invalid transcode job")
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, apperrors.NewResourceError(err, "create output directory")
	}
	if job.PreviewDir != "" {
		if err := os.MkdirAll(job.PreviewDir, 0o755); err != nil {
			return nil, apperrors.NewResourceError(err, "create preview directory")
		}
	}
	p, err := r.Start(ctx, job.Name, args, job.OutputDir, grace)
	if err != nil {
		return nil, err
	}
	return p, nil
}
