package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	apperrors "classcast/pkg/errors"
	"classcast/pkg/tracing"
	"classcast/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VODMetrics receives conversion outcomes.
type VODMetrics interface {
	ConversionFinished(outcome string, d time.Duration)
}

type VODConfig struct {
	StagingDir string
	PublicDir  string
	Workers    int
	MaxRungs   int
	StopGrace  time.Duration
}

// VODService converts uploaded class videos into published HLS ladders.
type VODService struct {
	cfg     VODConfig
	classes ports.ClassRepository
	prober  ports.MediaProber
	runner  ports.TranscoderRunner
	hw      ports.HWDetector
	output  ports.OutputStore
	metrics VODMetrics
	locker  ports.CourseLocker
	logger  *zap.SugaredLogger
}

func NewVODService(
	cfg VODConfig,
	classes ports.ClassRepository,
	prober ports.MediaProber,
	runner ports.TranscoderRunner,
	hw ports.HWDetector,
	output ports.OutputStore,
	metrics VODMetrics,
	logger *zap.SugaredLogger,
) *VODService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &VODService{
		cfg:     cfg,
		classes: classes,
		prober:  prober,
		runner:  runner,
		hw:      hw,
		output:  output,
		metrics: metrics,
		logger:  logger,
	}
}

var _ ports.VODService = (*VODService)(nil)

// WithCourseLocker makes ConvertCourse refuse a course that is already being
// converted.
func (s *VODService) WithCourseLocker(l ports.CourseLocker) *VODService {
	s.locker = l
	return s
}

// ConvertVideo transcodes one class synchronously. Classes without a media
// file or already pointing at a playlist are skipped.
func (s *VODService) ConvertVideo(ctx context.Context, class domain.Class) (domain.ConversionResult, error) {
	ctx, span := tracing.TraceConversion(ctx, string(class.CourseID), string(class.ID))
	defer span.End()

	result := domain.ConversionResult{ClassID: class.ID}
	if s.shouldSkip(class.Path) {
		result.Skipped = true
		result.PlaybackPath = class.Path
		s.observe("skipped", 0)
		return result, nil
	}

	start := time.Now()
	log := s.logger.With("course_id", class.CourseID, "class_id", class.ID, "input", class.Path)

	if err := errors.Join(validation.CourseID(string(class.CourseID)), validation.ClassID(string(class.ID))); err != nil {
		return s.fail(ctx, result, start, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid class identifiers", http.StatusBadRequest))
	}

	src, err := s.prober.Probe(ctx, class.Path)
	if err != nil {
		return s.fail(ctx, result, start, err)
	}

	accel := s.hw.Detect(ctx)
	tracing.AddSpanAttributes(ctx, tracing.AccelKey.String(string(accel)))
	ladder, err := domain.SelectLadder(src, accel, s.cfg.MaxRungs)
	if err != nil {
		return s.fail(ctx, result, start, apperrors.NewResourceError(err, "no encoding ladder for source"))
	}

	staging := filepath.Join(s.cfg.StagingDir, string(class.CourseID), string(class.ID))
	final := filepath.Join(s.cfg.PublicDir, string(class.CourseID), string(class.ID))
	if err := os.RemoveAll(staging); err != nil {
		return s.fail(ctx, result, start, apperrors.NewResourceError(err, "failed to clear staging directory"))
	}

	job := domain.TranscodeJob{
		Name:        fmt.Sprintf("vod-%s-%s", class.CourseID, class.ID),
		Mode:        domain.TranscodeVOD,
		Input:       class.Path,
		OutputDir:   staging,
		Source:      src,
		Renditions:  ladder,
		Accel:       accel,
		VAAPIDevice: s.hw.RenderDevice(ctx),
	}

	log.Infow("converting class", "accel", accel, "renditions", len(ladder), "source", fmt.Sprintf("%dx%d@%d", src.Width, src.Height, src.FPS))

	proc, err := s.runner.Spawn(ctx, job, s.cfg.StopGrace)
	if err != nil {
		os.RemoveAll(staging)
		return s.fail(ctx, result, start, err)
	}
	if err := proc.Wait(); err != nil {
		os.RemoveAll(staging)
		if apperrors.GetAppError(err) == nil {
			err = apperrors.NewProcessError(err, "transcoder exited with an error")
		}
		return s.fail(ctx, result, start, err)
	}

	master, err := s.output.Publish(staging, final)
	if err != nil {
		os.RemoveAll(staging)
		return s.fail(ctx, result, start, apperrors.NewResourceError(err, "failed to publish conversion"))
	}

	if err := s.classes.UpdatePlaybackPath(ctx, class.CourseID, class.ID, master); err != nil {
		return s.fail(ctx, result, start, apperrors.NewResourceError(err, "failed to persist playback path"))
	}

	result.PlaybackPath = master
	tracing.MeasureDuration(ctx, start, "vod.convert")
	s.observe("converted", time.Since(start))
	log.Infow("class converted", "playback_path", master, "duration", time.Since(start))
	return result, nil
}

func (s *VODService) shouldSkip(path string) bool {
	if path == "" || filepath.Ext(path) == "" {
		return true
	}
	return s.output.IsConverted(path)
}

func (s *VODService) fail(ctx context.Context, result domain.ConversionResult, start time.Time, err error) (domain.ConversionResult, error) {
	tracing.RecordError(ctx, err)
	result.Error = err.Error()
	s.observe("failed", time.Since(start))
	s.logger.Errorw("class conversion failed", "class_id", result.ClassID, "error", err)
	return result, err
}

func (s *VODService) observe(outcome string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ConversionFinished(outcome, d)
	}
}

// ConvertCourse converts every class of course on a bounded worker pool.
// A failing class never cancels its siblings.
func (s *VODService) ConvertCourse(ctx context.Context, course *domain.Course) (*domain.BatchResult, error) {
	if course == nil || len(course.Classes) == 0 {
		var id domain.CourseID
		if course != nil {
			id = course.ID
		}
		return nil, apperrors.WrapError(domain.ErrNoClasses, apperrors.ErrCodeNotFound,
			"course has no classes", http.StatusNotFound).WithContext("course_id", id)
	}

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, course.ID)
		if err != nil {
			return nil, apperrors.NewResourceError(err, "failed to lock course")
		}
		if !ok {
			return nil, apperrors.NewConflictError("course conversion already running").
				WithContext("course_id", course.ID)
		}
		defer unlock()
	}

	batch := &domain.BatchResult{
		CourseID: course.ID,
		Results:  make([]domain.ConversionResult, len(course.Classes)),
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for i, class := range course.Classes {
		i, class := i, class
		if class.CourseID == "" {
			class.CourseID = course.ID
		}
		g.Go(func() error {
			res, err := s.ConvertVideo(ctx, class)
			mu.Lock()
			defer mu.Unlock()
			batch.Results[i] = res
			switch {
			case err != nil:
				batch.Failed++
			case res.Skipped:
				batch.Skipped++
			default:
				batch.Converted++
			}
			return nil
		})
	}
	g.Wait()

	s.logger.Infow("course conversion finished",
		"course_id", course.ID,
		"converted", batch.Converted,
		"skipped", batch.Skipped,
		"failed", batch.Failed,
	)
	return batch, nil
}

func (s *VODService) ConvertCourseByID(ctx context.Context, id domain.CourseID) (*domain.BatchResult, error) {
	course, err := s.classes.GetCourse(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrCourseNotFound) {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeNotFound, "course not found", http.StatusNotFound)
		}
		return nil, apperrors.NewResourceError(err, "failed to load course")
	}
	return s.ConvertCourse(ctx, course)
}
