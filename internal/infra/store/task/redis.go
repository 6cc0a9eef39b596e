package taskstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rapart/apkqueue/internal/domain"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 8

// nextPendingScript picks the head of the pending index and reads its task
// hash in one step, so a completion can never land between the two reads.
// Members sharing the lowest score are ordered by their insert sequence.
var nextPendingScript = redis.NewScript(`
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head == 0 then
	return false
end
local ties = redis.call('ZRANGEBYSCORE', KEYS[1], head[2], head[2])
local best, bestSeq = nil, nil
for _, h in ipairs(ties) do
	local seq = tonumber(redis.call('HGET', ARGV[1] .. h, 'seq')) or 0
	if best == nil or seq < bestSeq then
		best, bestSeq = h, seq
	end
end
return {best, redis.call('HGETALL', ARGV[1] .. best)}
`)

// redisTaskStore keeps one hash per task plus index keys: a sorted set of
// pending hashes scored by creation time, and plain sets for the count
// predicates. Index keys only change inside the MULTI that changes the task.
type redisTaskStore struct {
	rdb *redis.Client
}

func NewRedisTaskStore(rdb *redis.Client) *redisTaskStore {
	return &redisTaskStore{rdb: rdb}
}

func (s *redisTaskStore) NextPending(ctx context.Context) (domain.Task, bool, error) {
	res, err := nextPendingScript.Run(ctx, s.rdb, []string{pendingKey()}, taskKey("")).Slice()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("redis next pending: %w", err)
	}
	if len(res) != 2 {
		return domain.Task{}, false, fmt.Errorf("redis next pending: unexpected reply of %d items", len(res))
	}

	hash, _ := res[0].(string)
	pairs, _ := res[1].([]interface{})
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		fields[k] = v
	}
	if len(fields) == 0 {
		return domain.Task{}, false, nil
	}

	return decodeTask(hash, fields), true, nil
}

func decodeTask(hash string, res map[string]string) domain.Task {
	t := domain.Task{
		Hash:   hash,
		Tag:    domain.Tag(res["tag"]),
		Status: res["status"] == "1",
		Error:  res["error"],
	}

	if v, ok := res["created_at"]; ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.CreatedAt = time.Unix(0, n).UTC()
		}
	}
	if v, ok := res["updated_at"]; ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.UpdatedAt = time.Unix(0, n).UTC()
		}
	}

	return t
}

func (s *redisTaskStore) UpdateStatus(
	ctx context.Context,
	hash string,
	status bool,
	errMsg string,
	at time.Time,
) (bool, error) {
	hk := taskKey(hash)
	found := false

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, hk, "created_at", "error").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			found = false
			return nil
		}
		found = true

		createdAt, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt created_at for %s: %w", hash, err)
		}
		prevErr, _ := vals[1].(string)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fields := map[string]interface{}{
				"status":     boolField(status),
				"updated_at": at.UnixNano(),
			}
			if errMsg != "" {
				fields["error"] = errMsg
			}
			pipe.HSet(ctx, hk, fields)

			if status {
				pipe.ZRem(ctx, pendingKey(), hash)
				pipe.SMove(ctx, openKey(), completedKey(), hash)
			} else {
				pipe.ZAdd(ctx, pendingKey(), redis.Z{
					Score:  score(time.Unix(0, createdAt)),
					Member: hash,
				})
				pipe.SMove(ctx, completedKey(), openKey(), hash)
			}

			if errMsg != "" || prevErr != "" {
				pipe.SAdd(ctx, erroredKey(), hash)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, hk); err != nil {
		return false, fmt.Errorf("redis UpdateStatus %s: %w", hash, err)
	}

	return found, nil
}

func (s *redisTaskStore) Insert(ctx context.Context, t domain.Task) error {
	hk := taskKey(t.Hash)

	// A rejected duplicate burns a sequence number; only the order matters.
	seq, err := s.rdb.Incr(ctx, seqKey()).Result()
	if err != nil {
		return fmt.Errorf("redis Insert %s: %w", t.Hash, err)
	}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, hk).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrTaskExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hk, map[string]interface{}{
				"hash":       t.Hash,
				"tag":        string(t.Tag),
				"status":     boolField(t.Status),
				"error":      t.Error,
				"created_at": t.CreatedAt.UnixNano(),
				"updated_at": t.UpdatedAt.UnixNano(),
				"seq":        seq,
			})
			pipe.SAdd(ctx, allKey(), t.Hash)
			pipe.SAdd(ctx, tagKey(t.Tag), t.Hash)
			if t.Status {
				pipe.SAdd(ctx, completedKey(), t.Hash)
			} else {
				pipe.SAdd(ctx, openKey(), t.Hash)
				pipe.ZAdd(ctx, pendingKey(), redis.Z{
					Score:  score(t.CreatedAt),
					Member: t.Hash,
				})
			}
			if t.Error != "" {
				pipe.SAdd(ctx, erroredKey(), t.Hash)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, hk); err != nil {
		if errors.Is(err, domain.ErrTaskExists) {
			return err
		}
		return fmt.Errorf("redis Insert %s: %w", t.Hash, err)
	}

	return nil
}

// watch runs txf optimistically, retrying when a watched key changed under it.
func (s *redisTaskStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (s *redisTaskStore) Count(ctx context.Context, f domain.Filter) (int64, error) {
	var keys []string
	if f.Status != nil {
		if *f.Status {
			keys = append(keys, completedKey())
		} else {
			keys = append(keys, openKey())
		}
	}
	if f.Tag != "" {
		keys = append(keys, tagKey(f.Tag))
	}
	if f.WithError {
		keys = append(keys, erroredKey())
	}

	// Every index set is a subset of the set of all tasks.
	if len(keys) <= 1 {
		key := allKey()
		if len(keys) == 1 {
			key = keys[0]
		}
		n, err := s.rdb.SCard(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scard %s: %w", key, err)
		}
		return n, nil
	}

	n, err := s.rdb.SInterCard(ctx, 0, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sintercard: %w", err)
	}
	return n, nil
}

func (s *redisTaskStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisTaskStore) Close(context.Context) error {
	return s.rdb.Close()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// score keeps microsecond resolution, which still fits a float64 mantissa.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func taskKey(hash string) string {
	return "task:" + hash
}

func seqKey() string {
	return "tasks:seq"
}

func pendingKey() string {
	return "tasks:pending"
}

func allKey() string {
	return "tasks:all"
}

func openKey() string {
	return "tasks:status:open"
}

func completedKey() string {
	return "tasks:status:completed"
}

func erroredKey() string {
	return "tasks:errored"
}

func tagKey(tag domain.Tag) string {
	return "tasks:tag:" + string(tag)
}
