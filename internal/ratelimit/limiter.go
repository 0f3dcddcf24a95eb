// Package ratelimit implements sliding-window admission control on Redis sorted
// sets. Every request is a member scored by its arrival time; the window is the
// set of members younger than window_seconds.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Request struct {
	Key    string
	Limit  int
	Window time.Duration
}

type Result struct {
	Success   bool      `json:"success"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

type Limiter struct {
	rdb r.Cmdable
	log *zap.Logger
	now func() time.Time
}

func New(rdb r.Cmdable, log *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, log: log, now: time.Now}
}

func key(k string) string { return "ratelimit:" + k }

// Check records one request against req.Key. A Redis failure admits the request.
func (l *Limiter) Check(ctx context.Context, req Request) Result {
	now := l.now()
	open := Result{Success: true, Remaining: req.Limit, Reset: now.Add(req.Window)}
	if req.Limit <= 0 || req.Window <= 0 {
		return open
	}

	k := key(req.Key)
	nowMs := now.UnixMilli()
	floor := nowMs - req.Window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(floor, 10))
	pipe.ZAdd(ctx, k, r.Z{Score: float64(nowMs), Member: member})
	card := pipe.ZCard(ctx, k)
	oldest := pipe.ZRangeWithScores(ctx, k, 0, 0)
	pipe.PExpire(ctx, k, req.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("rate limiter unavailable, failing open", zap.String("key", req.Key), zap.Error(err))
		return open
	}

	count := int(card.Val())
	reset := now.Add(req.Window)
	if zs := oldest.Val(); len(zs) > 0 {
		reset = time.UnixMilli(int64(zs[0].Score)).Add(req.Window)
	}
	if count > req.Limit {
		// rejected requests do not consume the window
		if err := l.rdb.ZRem(ctx, k, member).Err(); err != nil {
			l.log.Warn("rate limiter cleanup failed", zap.String("key", req.Key), zap.Error(err))
		}
		return Result{Success: false, Remaining: 0, Reset: reset}
	}
	return Result{Success: true, Remaining: req.Limit - count, Reset: reset}
}
