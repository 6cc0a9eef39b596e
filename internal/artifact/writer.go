// Package artifact stores the APK and report a worker produced for a task and
// then marks the task complete. Files are written first and status second;
// a failure in between leaves files behind that a resubmission overwrites.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/rapart/apkqueue/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxBlobSize bounds each of the two uploaded files.
const DefaultMaxBlobSize int64 = 500 << 20

const (
	apkDir    = "apk"
	reportDir = "reports"
)

type FileStore interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Location(filename string) string
}

type StatusReporter interface {
	ReportStatus(ctx context.Context, rep domain.StatusReport) error
}

type Writer struct {
	files       FileStore
	tasks       StatusReporter
	maxBlobSize int64
	tracer      trace.Tracer
}

func NewWriter(files FileStore, tasks StatusReporter, maxBlobSize int64, tracer trace.Tracer) *Writer {
	if maxBlobSize <= 0 {
		maxBlobSize = DefaultMaxBlobSize
	}
	return &Writer{
		files:       files,
		tasks:       tasks,
		maxBlobSize: maxBlobSize,
		tracer:      tracer,
	}
}

func (w *Writer) MaxBlobSize() int64 {
	return w.maxBlobSize
}

func APKKey(tag domain.Tag, hash string) string {
	return filepath.Join(apkDir, string(tag), hash+".apk")
}

func ReportKey(tag domain.Tag, hash string) string {
	return filepath.Join(reportDir, string(tag), hash+".json")
}

// Dirs lists every partition directory of the storage layout.
func Dirs() []string {
	dirs := make([]string, 0, 2*len(domain.Tags))
	for _, root := range []string{apkDir, reportDir} {
		for _, tag := range domain.Tags {
			dirs = append(dirs, filepath.Join(root, string(tag)))
		}
	}
	return dirs
}

func (w *Writer) Validate(sub domain.Submission) error {
	if err := domain.ValidateHash(sub.Hash); err != nil {
		return err
	}
	if !sub.Tag.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidTag, sub.Tag)
	}
	if sub.APK.Content == nil {
		return fmt.Errorf("%w: apk", domain.ErrMissingBlob)
	}
	if sub.Report.Content == nil {
		return fmt.Errorf("%w: report", domain.ErrMissingBlob)
	}
	if sub.APK.Size > w.maxBlobSize {
		return fmt.Errorf("%w: apk is %d bytes, max %d", domain.ErrBlobTooLarge, sub.APK.Size, w.maxBlobSize)
	}
	if sub.Report.Size > w.maxBlobSize {
		return fmt.Errorf("%w: report is %d bytes, max %d", domain.ErrBlobTooLarge, sub.Report.Size, w.maxBlobSize)
	}
	return nil
}

// Submit writes both files concurrently and marks the task complete once both
// are durable. Nothing is written when validation fails, and nothing is
// rolled back when one of the writes fails.
func (w *Writer) Submit(ctx context.Context, sub domain.Submission) (domain.SubmissionResult, error) {
	ctx, span := w.tracer.Start(ctx, "artifact.submit",
		trace.WithAttributes(
			attribute.String("task.hash", sub.Hash),
			attribute.String("task.tag", string(sub.Tag)),
			attribute.Int64("artifact.apk_size", sub.APK.Size),
			attribute.Int64("artifact.report_size", sub.Report.Size),
		),
	)
	defer span.End()

	if err := w.Validate(sub); err != nil {
		return domain.SubmissionResult{}, err
	}

	apkKey := APKKey(sub.Tag, sub.Hash)
	reportKey := ReportKey(sub.Tag, sub.Hash)

	var (
		apkSize, reportSize int64
		apkSum              string
	)

	eg, eCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		n, sum, err := w.files.Save(eCtx, io.LimitReader(sub.APK.Content, sub.APK.Size), apkKey, sub.APK.Size)
		if err != nil {
			return fmt.Errorf("save apk: %w", err)
		}
		apkSize, apkSum = n, sum
		return nil
	})
	eg.Go(func() error {
		n, _, err := w.files.Save(eCtx, io.LimitReader(sub.Report.Content, sub.Report.Size), reportKey, sub.Report.Size)
		if err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		reportSize = n
		return nil
	})

	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save artifacts")
		return domain.SubmissionResult{}, fmt.Errorf("save artifacts for %s: %w", sub.Hash, err)
	}

	if !strings.EqualFold(apkSum, sub.Hash) {
		slog.Debug("apk digest differs from task hash",
			slog.String("hash", sub.Hash),
			slog.String("sha256", apkSum),
		)
	}

	res := domain.SubmissionResult{
		Hash: sub.Hash,
		Tag:  sub.Tag,
		Files: domain.ArtifactFiles{
			APK:    w.files.Location(apkKey),
			Report: w.files.Location(reportKey),
		},
		Sizes: domain.ArtifactSizes{
			APK:    apkSize,
			Report: reportSize,
		},
		Marked: true,
	}

	err := w.tasks.ReportStatus(ctx, domain.StatusReport{Hash: sub.Hash, Success: true})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTaskNotFound):
		slog.Warn("artifacts stored for unknown task",
			slog.String("hash", sub.Hash),
			slog.String("tag", string(sub.Tag)),
		)
		res.Marked = false
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark completed")
		return domain.SubmissionResult{}, fmt.Errorf("mark %s completed: %w", sub.Hash, err)
	}

	return res, nil
}
