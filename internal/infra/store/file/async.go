package filestore

import (
	"context"
	"io"
	"log/slog"

	"github.com/rapart/apkqueue/internal/infra/store/file/replicator"
)

// asyncStore writes to local disk synchronously and mirrors every saved file
// to object storage in the background. Remote failures never fail a Save.
type asyncStore struct {
	*localStore
	replicator *replicator.Replicator
}

func NewAsyncStore(
	ctx context.Context,
	local *localStore,
	remote *minioStore,
	queueSize,
	workerNum,
	maxRetries int,
) *asyncStore {
	repl := replicator.New(local, remote, queueSize, workerNum, maxRetries)
	repl.Start(ctx)

	return &asyncStore{
		localStore: local,
		replicator: repl,
	}
}

func (s *asyncStore) Close(ctx context.Context) error {
	return s.replicator.Stop(ctx)
}

func (s *asyncStore) Save(
	ctx context.Context,
	reader io.Reader,
	filename string,
	size int64,
) (int64, string, error) {
	written, sum, err := s.localStore.Save(ctx, reader, filename, size)
	if err != nil {
		return 0, "", err
	}

	ok := s.replicator.Enqueue(replicator.Job{
		Filename: filename,
		Size:     written,
		SHA256:   sum,
	})
	if !ok {
		slog.Error("asyncStore: replication queue full, file saved only locally",
			slog.String("filename", filename),
			slog.Int64("size", written),
		)
	}

	return written, sum, nil
}
