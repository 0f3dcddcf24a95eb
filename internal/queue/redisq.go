// Package queue carries best-effort "work is ready" signals over Redis lists so idle
// workers can block instead of polling. Postgres stays authoritative: a lost signal
// only delays a claim until the next poll.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// maxPending caps each ready list; a signal only needs to wake one poll.
const maxPending = 1000

type RedisQ struct{ rdb r.Cmdable }

func New(rdb r.Cmdable) *RedisQ { return &RedisQ{rdb} }

func readyKey(pool string) string { return "ready:" + pool }

// Signal announces that jobID is claimable in pool.
func (q *RedisQ) Signal(ctx context.Context, pool string, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, readyKey(pool), jobID)
	pipe.LTrim(ctx, readyKey(pool), 0, maxPending-1)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "signal %s", pool)
}

// Wait blocks up to block for a signal on any of pools and returns the announced
// job id, or "" on timeout.
func (q *RedisQ) Wait(ctx context.Context, block time.Duration, pools ...string) (string, error) {
	keys := make([]string, len(pools))
	for i, p := range pools {
		keys[i] = readyKey(p)
	}
	res, err := q.rdb.BRPop(ctx, block, keys...).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "wait for ready signal")
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// Depth is the number of unconsumed signals on pool's ready list.
func (q *RedisQ) Depth(ctx context.Context, pool string) (int64, error) {
	n, err := q.rdb.LLen(ctx, readyKey(pool)).Result()
	return n, errors.Wrapf(err, "depth %s", pool)
}
