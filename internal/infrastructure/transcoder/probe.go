package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	"classcast/internal/core/domain"
	apperrors "classcast/pkg/errors"
)

// Prober inspects media files with ffprobe.
type Prober struct {
	bin string
	run commandRunner
}

func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{bin: ffprobePath, run: runCommand}
}

// Probe reports the geometry and frame rate of the first video stream and
// the codec of the first audio stream, if any.
func (p *Prober) Probe(ctx context.Context, path string) (domain.SourceInfo, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.SourceInfo{}, apperrors.NewResourceError(err, "input file not found")
		}
		return domain.SourceInfo{}, apperrors.NewResourceError(err, "input file not readable")
	}

	out, err := p.run(ctx, p.bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate",
		"-of", "csv=p=0",
		path,
	)
	if err != nil {
		return domain.SourceInfo{}, apperrors.NewProcessError(err, "ffprobe failed")
	}
	info, err := parseVideoStream(string(out))
	if err != nil {
		return domain.SourceInfo{}, apperrors.NewProcessError(err, "unexpected ffprobe output")
	}

	out, err = p.run(ctx, p.bin,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name",
		"-of", "csv=p=0",
		path,
	)
	if err != nil {
		return domain.SourceInfo{}, apperrors.NewProcessError(err, "ffprobe failed")
	}
	info.AudioCodec = strings.TrimSpace(firstLine(string(out)))

	return info, nil
}

// parseVideoStream parses "1920,1080,30000/1001".
func parseVideoStream(out string) (domain.SourceInfo, error) {
	fields := strings.Split(strings.TrimSpace(firstLine(out)), ",")
	if len(fields) < 3 {
		return domain.SourceInfo{}, fmt.Errorf("no video stream in %q", out)
	}

	width, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return domain.SourceInfo{}, fmt.Errorf("width: %w", err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return domain.SourceInfo{}, fmt.Errorf("height: %w", err)
	}
	fps, err := parseFrameRate(strings.TrimSpace(fields[2]))
	if err != nil {
		return domain.SourceInfo{}, err
	}
	return domain.SourceInfo{Width: width, Height: height, FPS: fps}, nil
}

func parseFrameRate(s string) (int, error) {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("frame rate %q: %w", s, err)
	}
	d := 1.0
	if ok {
		if d, err = strconv.ParseFloat(den, 64); err != nil {
			return 0, fmt.Errorf("frame rate %q: %w", s, err)
		}
	}
	if d == 0 {
		return 0, fmt.Errorf("frame rate %q: zero denominator", s)
	}
	return int(math.Round(n / d)), nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
