package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rapart/apkqueue/internal/domain"

	"github.com/google/uuid"
)

type Repository interface {
	AcquireNext(ctx context.Context) (domain.Task, bool, error)
	ReportStatus(ctx context.Context, rep domain.StatusReport) error
	Register(ctx context.Context, hash, tag string) (domain.Task, error)
	Stats(ctx context.Context) (domain.Stats, error)
	Ping(ctx context.Context) error
}

type ArtifactWriter interface {
	Submit(ctx context.Context, sub domain.Submission) (domain.SubmissionResult, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev domain.TaskEvent) error
}

type Metrics interface {
	ObserveAcquire(found bool)
	ObserveStatusReport(outcome string)
	ObserveRegistration(outcome string)
	ObserveSubmission(outcome string, apkBytes, reportBytes int64)
}

const (
	outcomeOK        = "ok"
	outcomeNotFound  = "not_found"
	outcomeConflict  = "conflict"
	outcomeInvalid   = "invalid"
	outcomeError     = "error"
	outcomeUnmatched = "unmatched"
)

type usecase struct {
	repo    Repository
	writer  ArtifactWriter
	events  EventPublisher
	metrics Metrics
	now     func() time.Time
}

func New(
	repo Repository,
	writer ArtifactWriter,
	events EventPublisher,
	metrics Metrics,
) *usecase {
	return &usecase{
		repo:    repo,
		writer:  writer,
		events:  events,
		metrics: metrics,
		now:     time.Now,
	}
}

// NextTask returns nil when nothing is pending.
func (uc *usecase) NextTask(ctx context.Context) (*domain.NextTaskResponse, error) {
	t, ok, err := uc.repo.AcquireNext(ctx)
	if err != nil {
		return nil, err
	}
	uc.metrics.ObserveAcquire(ok)
	if !ok {
		return nil, nil
	}

	return &domain.NextTaskResponse{Hash: t.Hash, Tag: t.Tag}, nil
}

func (uc *usecase) UpdateStatus(ctx context.Context, hash string, success bool, errMsg string) error {
	err := uc.repo.ReportStatus(ctx, domain.StatusReport{
		Hash:    hash,
		Success: success,
		Error:   errMsg,
	})
	if err != nil {
		uc.metrics.ObserveStatusReport(outcomeFor(err))
		return err
	}
	uc.metrics.ObserveStatusReport(outcomeOK)

	uc.publish(ctx, domain.TaskEvent{
		Type:   domain.EventStatus,
		Hash:   hash,
		Status: success,
		Error:  errMsg,
	})

	return nil
}

func (uc *usecase) SubmitArtifacts(ctx context.Context, sub domain.Submission) (domain.SubmitResponse, error) {
	res, err := uc.writer.Submit(ctx, sub)
	if err != nil {
		uc.metrics.ObserveSubmission(outcomeFor(err), 0, 0)
		return domain.SubmitResponse{}, err
	}

	outcome := outcomeOK
	if !res.Marked {
		outcome = outcomeUnmatched
	}
	uc.metrics.ObserveSubmission(outcome, res.Sizes.APK, res.Sizes.Report)

	slog.Info("artifacts saved",
		slog.String("hash", res.Hash),
		slog.String("tag", string(res.Tag)),
		slog.Int64("apk_bytes", res.Sizes.APK),
		slog.Int64("report_bytes", res.Sizes.Report),
	)

	uc.publish(ctx, domain.TaskEvent{
		Type:   domain.EventArtifacts,
		Hash:   res.Hash,
		Tag:    res.Tag,
		Status: res.Marked,
	})

	return domain.SubmitResponse{
		OK:    true,
		Hash:  res.Hash,
		Tag:   res.Tag,
		Files: res.Files,
		Sizes: res.Sizes,
	}, nil
}

// AddTask registers a task. The returned queue length is left out when the
// follow-up count fails; the task is registered either way.
func (uc *usecase) AddTask(ctx context.Context, hash, tag string) (domain.AddTaskResponse, error) {
	t, err := uc.repo.Register(ctx, hash, tag)
	if err != nil {
		uc.metrics.ObserveRegistration(outcomeFor(err))
		return domain.AddTaskResponse{}, err
	}
	uc.metrics.ObserveRegistration(outcomeOK)

	uc.publish(ctx, domain.TaskEvent{
		Type: domain.EventRegistered,
		Hash: t.Hash,
		Tag:  t.Tag,
	})

	resp := domain.AddTaskResponse{
		OK:   true,
		Hash: t.Hash,
		Tag:  t.Tag,
	}

	stats, err := uc.repo.Stats(ctx)
	if err != nil {
		slog.Warn("queue length after registration",
			slog.String("hash", t.Hash),
			slog.String("error", err.Error()),
		)
		return resp, nil
	}
	resp.QueueLength = &stats.Pending

	return resp, nil
}

func (uc *usecase) Stats(ctx context.Context) (domain.Stats, error) {
	return uc.repo.Stats(ctx)
}

func (uc *usecase) Ready(ctx context.Context) error {
	if err := uc.repo.Ping(ctx); err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	return nil
}

// publish is best effort; the store is the source of truth.
func (uc *usecase) publish(ctx context.Context, ev domain.TaskEvent) {
	ev.ID = uuid.NewString()
	ev.At = uc.now().UTC()

	if err := uc.events.Publish(ctx, ev); err != nil {
		slog.Warn("publish task event",
			slog.String("type", string(ev.Type)),
			slog.String("hash", ev.Hash),
			slog.String("error", err.Error()),
		)
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return outcomeNotFound
	case errors.Is(err, domain.ErrTaskExists):
		return outcomeConflict
	case errors.Is(err, domain.ErrInvalidHash),
		errors.Is(err, domain.ErrInvalidTag),
		errors.Is(err, domain.ErrBlobTooLarge),
		errors.Is(err, domain.ErrMissingBlob):
		return outcomeInvalid
	default:
		return outcomeError
	}
}
