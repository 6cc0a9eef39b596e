// Package repository is the only writer of the task store. It defines what
// "next task", "report status", "register task" and "stats" mean.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rapart/apkqueue/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// TaskStore is a document store of tasks keyed by hash. Every method is a
// single atomic operation against the backend; no sequence of calls is.
type TaskStore interface {
	// NextPending returns the pending task with the smallest CreatedAt.
	NextPending(ctx context.Context) (domain.Task, bool, error)
	// UpdateStatus sets status and updatedAt, and error when errMsg is not
	// empty. It reports whether a task with the hash exists.
	UpdateStatus(ctx context.Context, hash string, status bool, errMsg string, at time.Time) (bool, error)
	// Insert fails with domain.ErrTaskExists when the hash is taken.
	Insert(ctx context.Context, t domain.Task) error
	Count(ctx context.Context, f domain.Filter) (int64, error)
	Ping(ctx context.Context) error
}

type Repository struct {
	store  TaskStore
	tracer trace.Tracer
	now    func() time.Time
}

func New(store TaskStore, tracer trace.Tracer) *Repository {
	return &Repository{
		store:  store,
		tracer: tracer,
		now:    time.Now,
	}
}

// AcquireNext hands out the oldest pending task without claiming it; callers
// polling concurrently may receive the same task.
func (r *Repository) AcquireNext(ctx context.Context) (domain.Task, bool, error) {
	ctx, span := r.tracer.Start(ctx, "repository.acquire_next")
	defer span.End()

	t, ok, err := r.store.NextPending(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "next pending")
		return domain.Task{}, false, fmt.Errorf("next pending task: %w", err)
	}
	if ok {
		span.SetAttributes(attribute.String("task.hash", t.Hash))
	}

	return t, ok, nil
}

func (r *Repository) ReportStatus(ctx context.Context, rep domain.StatusReport) error {
	ctx, span := r.tracer.Start(ctx, "repository.report_status",
		trace.WithAttributes(
			attribute.String("task.hash", rep.Hash),
			attribute.Bool("task.success", rep.Success),
		),
	)
	defer span.End()

	if rep.Hash == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidHash)
	}

	found, err := r.store.UpdateStatus(ctx, rep.Hash, rep.Success, rep.Error, r.now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update status")
		return fmt.Errorf("update status of %s: %w", rep.Hash, err)
	}
	if !found {
		return domain.ErrTaskNotFound
	}

	return nil
}

func (r *Repository) Register(ctx context.Context, hash, tag string) (domain.Task, error) {
	ctx, span := r.tracer.Start(ctx, "repository.register",
		trace.WithAttributes(
			attribute.String("task.hash", hash),
			attribute.String("task.tag", tag),
		),
	)
	defer span.End()

	if err := domain.ValidateHash(hash); err != nil {
		return domain.Task{}, err
	}
	t, err := domain.ParseTag(tag)
	if err != nil {
		return domain.Task{}, err
	}

	now := r.now().UTC()
	task := domain.Task{
		Hash:      hash,
		Tag:       t,
		Status:    false,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.Insert(ctx, task); err != nil {
		if errors.Is(err, domain.ErrTaskExists) {
			slog.Warn("task already exists", slog.String("hash", hash))
			return domain.Task{}, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert")
		return domain.Task{}, fmt.Errorf("insert task %s: %w", hash, err)
	}

	return task, nil
}

// Stats runs the counts concurrently. They are not a consistent snapshot of
// each other.
func (r *Repository) Stats(ctx context.Context) (domain.Stats, error) {
	ctx, span := r.tracer.Start(ctx, "repository.stats")
	defer span.End()

	var (
		total, completed, failed int64
		byTag                    = make([]int64, len(domain.Tags))
	)

	eg, eCtx := errgroup.WithContext(ctx)
	count := func(dst *int64, f domain.Filter) {
		eg.Go(func() error {
			n, err := r.store.Count(eCtx, f)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		})
	}

	count(&total, domain.Filter{})
	count(&completed, domain.Filter{Status: domain.StatusIs(true)})
	count(&failed, domain.Filter{Status: domain.StatusIs(false), WithError: true})
	for i, tag := range domain.Tags {
		count(&byTag[i], domain.Filter{Tag: tag})
	}

	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count")
		return domain.Stats{}, fmt.Errorf("count tasks: %w", err)
	}

	stats := domain.Stats{
		Total:     total,
		Completed: completed,
		Pending:   total - completed,
		Failed:    failed,
		ByTag:     make(map[domain.Tag]int64, len(domain.Tags)),
	}
	for i, tag := range domain.Tags {
		stats.ByTag[tag] = byTag[i]
	}

	return stats, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}
