// Package idempotency coalesces concurrent identical mutations into one execution
// and replays completed results for a TTL window.
package idempotency

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 24 * time.Hour

type Tracker struct {
	inflight  singleflight.Group
	completed *ttlcache.Cache[string, any]
}

func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		completed: ttlcache.New(
			ttlcache.WithTTL[string, any](ttl),
			ttlcache.WithDisableTouchOnHit[string, any](),
		),
	}
}

// Start runs the periodic sweep that evicts expired results. It blocks until Stop.
func (t *Tracker) Start() { t.completed.Start() }

func (t *Tracker) Stop() { t.completed.Stop() }

func (t *Tracker) Len() int { return t.completed.Len() }

// Track returns the cached result for key, joins an in-flight execution of it, or
// runs fn. Only successful results are cached; a failed fn leaves no trace, so the
// caller may retry.
func Track[T any](ctx context.Context, t *Tracker, key string, fn func(context.Context) (T, error)) (T, error) {
	if v, ok := t.lookup(key); ok {
		return v.(T), nil
	}
	v, err, _ := t.inflight.Do(key, func() (any, error) {
		if v, ok := t.lookup(key); ok {
			return v, nil
		}
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		t.completed.Set(key, res, ttlcache.DefaultTTL)
		return res, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (t *Tracker) lookup(key string) (any, bool) {
	if it := t.completed.Get(key); it != nil {
		return it.Value(), true
	}
	return nil, false
}

// Key derives a stable key from a scope and any JSON-serializable input. Map keys
// are sorted by encoding/json, so logically equal inputs hash the same.
func Key(scope string, input any) (string, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return "", errors.Wrap(err, "idempotency: normalize input")
	}
	var normalized any
	if err := json.Unmarshal(b, &normalized); err != nil {
		return "", errors.Wrap(err, "idempotency: normalize input")
	}
	if b, err = json.Marshal(normalized); err != nil {
		return "", errors.Wrap(err, "idempotency: normalize input")
	}
	d := xxhash.New()
	_, _ = d.WriteString(scope)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(b)
	return scope + ":" + strconv.FormatUint(d.Sum64(), 16), nil
}
