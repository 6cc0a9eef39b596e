package taskstore

import (
	"context"
	"sync"
	"time"

	"github.com/rapart/apkqueue/internal/domain"
)

type memoryTask struct {
	task domain.Task
	seq  uint64
}

// memoryTaskStore keeps tasks in process memory. Insertion order breaks
// CreatedAt ties.
type memoryTaskStore struct {
	mu    sync.RWMutex
	seq   uint64
	tasks map[string]*memoryTask
}

func NewMemoryTaskStore() *memoryTaskStore {
	return &memoryTaskStore{tasks: make(map[string]*memoryTask)}
}

func (s *memoryTaskStore) NextPending(ctx context.Context) (domain.Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *memoryTask
	for _, mt := range s.tasks {
		if mt.task.Status {
			continue
		}
		if next == nil || before(mt, next) {
			next = mt
		}
	}
	if next == nil {
		return domain.Task{}, false, nil
	}

	return next.task, true, nil
}

func before(a, b *memoryTask) bool {
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *memoryTaskStore) UpdateStatus(
	ctx context.Context,
	hash string,
	status bool,
	errMsg string,
	at time.Time,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.tasks[hash]
	if !ok {
		return false, nil
	}

	mt.task.Status = status
	mt.task.UpdatedAt = at
	if errMsg != "" {
		mt.task.Error = errMsg
	}

	return true, nil
}

func (s *memoryTaskStore) Insert(ctx context.Context, t domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.Hash]; ok {
		return domain.ErrTaskExists
	}

	s.seq++
	s.tasks[t.Hash] = &memoryTask{task: t, seq: s.seq}

	return nil
}

func (s *memoryTaskStore) Count(ctx context.Context, f domain.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, mt := range s.tasks {
		if f.Match(mt.task) {
			n++
		}
	}

	return n, nil
}

// Task returns a copy of the stored task.
func (s *memoryTaskStore) Task(hash string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mt, ok := s.tasks[hash]
	if !ok {
		return domain.Task{}, false
	}
	return mt.task, true
}

func (s *memoryTaskStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *memoryTaskStore) Close(context.Context) error {
	return nil
}
