package taskstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rapart/apkqueue/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store interface {
	NextPending(ctx context.Context) (domain.Task, bool, error)
	UpdateStatus(ctx context.Context, hash string, status bool, errMsg string, at time.Time) (bool, error)
	Insert(ctx context.Context, t domain.Task) error
	Count(ctx context.Context, f domain.Filter) (int64, error)
	Ping(ctx context.Context) error
}

// base is millisecond aligned so every backend round-trips it exactly.
var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask(hash string, tag domain.Tag, offset time.Duration) domain.Task {
	at := base.Add(offset)
	return domain.Task{Hash: hash, Tag: tag, CreatedAt: at, UpdatedAt: at}
}

// runStoreContract checks the behaviour every task store backend shares.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store) {
	t.Run("empty store has nothing pending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, ok, err := s.NextPending(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.Count(ctx, domain.Filter{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("insert then next pending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		want := newTask("aaa111", domain.TagBenign, 0)
		require.NoError(t, s.Insert(ctx, want))

		got, ok, err := s.NextPending(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.Hash, got.Hash)
		assert.Equal(t, want.Tag, got.Tag)
		assert.False(t, got.Status)
		assert.Empty(t, got.Error)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "createdAt %s != %s", got.CreatedAt, want.CreatedAt)
	})

	t.Run("duplicate insert is rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, newTask("dup", domain.TagMalware, 0)))
		err := s.Insert(ctx, newTask("dup", domain.TagBenign, time.Second))
		require.ErrorIs(t, err, domain.ErrTaskExists)

		n, err := s.Count(ctx, domain.Filter{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.Count(ctx, domain.Filter{Tag: domain.TagBenign})
		require.NoError(t, err)
		assert.Zero(t, n, "the rejected insert must not change the stored tag")
	})

	t.Run("next pending is the oldest", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, newTask("second", domain.TagBenign, 2*time.Second)))
		require.NoError(t, s.Insert(ctx, newTask("first", domain.TagMalware, time.Second)))
		require.NoError(t, s.Insert(ctx, newTask("third", domain.TagBenign, 3*time.Second)))

		got, ok, err := s.NextPending(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "first", got.Hash)

		found, err := s.UpdateStatus(ctx, "first", true, "", base.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, found)

		got, ok, err = s.NextPending(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "second", got.Hash)
	})

	t.Run("equal creation times keep insert order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, newTask("zeta", domain.TagBenign, time.Second)))
		require.NoError(t, s.Insert(ctx, newTask("alpha", domain.TagMalware, time.Second)))
		require.NoError(t, s.Insert(ctx, newTask("mid", domain.TagBenign, time.Second)))

		got, ok, err := s.NextPending(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "zeta", got.Hash)

		_, err = s.UpdateStatus(ctx, "zeta", true, "", base.Add(time.Minute))
		require.NoError(t, err)

		got, ok, err = s.NextPending(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "alpha", got.Hash)
	})

	t.Run("completed tasks are never pending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, newTask("only", domain.TagBenign, 0)))
		found, err := s.UpdateStatus(ctx, "only", true, "", base.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, found)

		_, ok, err := s.NextPending(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("update unknown hash reports not found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, newTask("known", domain.TagBenign, 0)))

		found, err := s.UpdateStatus(ctx, "unknown", true, "", base)
		require.NoError(t, err)
		assert.False(t, found)

		n, err := s.Count(ctx, domain.Filter{Status: domain.StatusIs(true)})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("failure keeps the task pending and records the error", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, newTask("flaky", domain.TagMalware, 0)))
		found, err := s.UpdateStatus(ctx, "flaky", false, "emulator crashed", base.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, found)

		got, ok, err := s.NextPending(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "flaky", got.Hash)
		assert.Equal(t, "emulator crashed", got.Error)

		failed, err := s.Count(ctx, domain.Filter{Status: domain.StatusIs(false), WithError: true})
		require.NoError(t, err)
		assert.Equal(t, int64(1), failed)
	})

	t.Run("update without error keeps the previous error", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, newTask("retry", domain.TagBenign, 0)))
		_, err := s.UpdateStatus(ctx, "retry", false, "timeout", base.Add(time.Minute))
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, "retry", true, "", base.Add(2*time.Minute))
		require.NoError(t, err)

		withErr, err := s.Count(ctx, domain.Filter{WithError: true})
		require.NoError(t, err)
		assert.Equal(t, int64(1), withErr)

		failed, err := s.Count(ctx, domain.Filter{Status: domain.StatusIs(false), WithError: true})
		require.NoError(t, err)
		assert.Zero(t, failed, "a completed task is not failed")

		completed, err := s.Count(ctx, domain.Filter{Status: domain.StatusIs(true)})
		require.NoError(t, err)
		assert.Equal(t, int64(1), completed)
	})

	t.Run("completed task can be reopened", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, newTask("back", domain.TagBenign, 0)))
		_, err := s.UpdateStatus(ctx, "back", true, "", base.Add(time.Minute))
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, "back", false, "", base.Add(2*time.Minute))
		require.NoError(t, err)

		got, ok, err := s.NextPending(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "back", got.Hash)
	})

	t.Run("counts by filter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, newTask("m1", domain.TagMalware, 0)))
		require.NoError(t, s.Insert(ctx, newTask("m2", domain.TagMalware, time.Second)))
		require.NoError(t, s.Insert(ctx, newTask("b1", domain.TagBenign, 2*time.Second)))
		_, err := s.UpdateStatus(ctx, "m1", true, "", base.Add(time.Minute))
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, "b1", false, "bad apk", base.Add(time.Minute))
		require.NoError(t, err)

		cases := []struct {
			name   string
			filter domain.Filter
			want   int64
		}{
			{"all", domain.Filter{}, 3},
			{"completed", domain.Filter{Status: domain.StatusIs(true)}, 1},
			{"open", domain.Filter{Status: domain.StatusIs(false)}, 2},
			{"malware", domain.Filter{Tag: domain.TagMalware}, 2},
			{"benign", domain.Filter{Tag: domain.TagBenign}, 1},
			{"open malware", domain.Filter{Status: domain.StatusIs(false), Tag: domain.TagMalware}, 1},
			{"failed", domain.Filter{Status: domain.StatusIs(false), WithError: true}, 1},
			{"failed malware", domain.Filter{Status: domain.StatusIs(false), Tag: domain.TagMalware, WithError: true}, 0},
		}
		for _, tc := range cases {
			n, err := s.Count(ctx, tc.filter)
			require.NoError(t, err, tc.name)
			assert.Equal(t, tc.want, n, tc.name)
		}
	})

	t.Run("concurrent inserts of one hash admit exactly one", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const workers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok, dups int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Insert(ctx, newTask("race", domain.TagBenign, 0))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case assert.ErrorIs(t, err, domain.ErrTaskExists):
					dups++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, workers-1, dups)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Ping(context.Background()))
	})
}
