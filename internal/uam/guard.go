package uam

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/ttlcache"
)

// LoopGuard tracks recent portal visits per session key and flags redirect loops.
type LoopGuard struct {
	cache     ttlcache.Cache
	window    time.Duration
	threshold int
	nowFn     func() time.Time
}

type visit struct {
	URL string    `json:"u"`
	At  time.Time `json:"t"`
}

// NewLoopGuard constructs a LoopGuard. More than threshold visits to the same URL inside
// window count as a loop.
func NewLoopGuard(cache ttlcache.Cache, window time.Duration, threshold int, nowFn func() time.Time) *LoopGuard {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &LoopGuard{cache: cache, window: window, threshold: threshold, nowFn: nowFn}
}

func (g *LoopGuard) load(ctx context.Context, key string, now time.Time) ([]visit, error) {
	raw, ok, errGet := g.cache.Get(ctx, key)
	if errGet != nil || !ok {
		return nil, errGet
	}
	var visits []visit
	if errDecode := json.Unmarshal(raw, &visits); errDecode != nil {
		return nil, nil
	}
	cutoff := now.Add(-g.window)
	kept := visits[:0]
	for _, v := range visits {
		if v.At.After(cutoff) {
			kept = append(kept, v)
		}
	}
	return kept, nil
}

// Visit records a visit to url and reports whether it completes a loop.
func (g *LoopGuard) Visit(ctx context.Context, key, url string) (bool, error) {
	now := g.nowFn()
	visits, errLoad := g.load(ctx, key, now)
	if errLoad != nil {
		return false, errLoad
	}
	visits = append(visits, visit{URL: url, At: now})
	same := 0
	for _, v := range visits {
		if v.URL == url {
			same++
		}
	}
	raw, errEncode := json.Marshal(visits)
	if errEncode != nil {
		return false, fmt.Errorf("uam: encode loop window: %w", errEncode)
	}
	if errSet := g.cache.Set(ctx, key, raw, g.window); errSet != nil {
		return false, errSet
	}
	return same > g.threshold, nil
}

// Attempts returns the number of visits inside the window.
func (g *LoopGuard) Attempts(ctx context.Context, key string) (int, error) {
	visits, errLoad := g.load(ctx, key, g.nowFn())
	return len(visits), errLoad
}

// Clear forgets key.
func (g *LoopGuard) Clear(ctx context.Context, key string) error {
	return g.cache.Delete(ctx, key)
}

// Lockout counts failed logins per session key and locks the key once the count
// reaches the threshold. Failures keep accumulating after a lock expires, so every
// further failure locks again. The count is an atomic cache counter.
type Lockout struct {
	cache     ttlcache.Cache
	threshold int
	duration  time.Duration
	stateTTL  time.Duration
	nowFn     func() time.Time
}

// NewLockout constructs a Lockout. A failure count expires stateTTL after the first
// failure it includes.
func NewLockout(cache ttlcache.Cache, threshold int, duration, stateTTL time.Duration, nowFn func() time.Time) *Lockout {
	if nowFn == nil {
		nowFn = time.Now
	}
	if stateTTL < duration {
		stateTTL = duration
	}
	return &Lockout{cache: cache, threshold: threshold, duration: duration, stateTTL: stateTTL, nowFn: nowFn}
}

func countKey(key string) string { return key + ":n" }
func untilKey(key string) string { return key + ":until" }

// Remaining returns how long key stays locked, or zero.
func (l *Lockout) Remaining(ctx context.Context, key string) (time.Duration, error) {
	raw, ok, errGet := l.cache.Get(ctx, untilKey(key))
	if errGet != nil || !ok {
		return 0, errGet
	}
	nanos, errParse := strconv.ParseInt(string(raw), 10, 64)
	if errParse != nil {
		return 0, nil
	}
	if left := time.Unix(0, nanos).Sub(l.nowFn()); left > 0 {
		return left, nil
	}
	return 0, nil
}

// Failures returns the accumulated failure count.
func (l *Lockout) Failures(ctx context.Context, key string) (int, error) {
	raw, ok, errGet := l.cache.Get(ctx, countKey(key))
	if errGet != nil || !ok {
		return 0, errGet
	}
	n, errParse := strconv.Atoi(string(raw))
	if errParse != nil {
		return 0, nil
	}
	return n, nil
}

// Fail records a failed attempt and returns the resulting lock duration, zero when the
// key is not locked.
func (l *Lockout) Fail(ctx context.Context, key string) (time.Duration, error) {
	n, errIncr := l.cache.Incr(ctx, countKey(key), l.stateTTL)
	if errIncr != nil {
		return 0, errIncr
	}
	if l.threshold <= 0 || n < int64(l.threshold) {
		return 0, nil
	}
	until := l.nowFn().Add(l.duration)
	if errSet := l.cache.Set(ctx, untilKey(key), []byte(strconv.FormatInt(until.UnixNano(), 10)), l.duration); errSet != nil {
		return 0, fmt.Errorf("uam: store lock: %w", errSet)
	}
	return l.duration, nil
}

// Reset clears key after a successful login.
func (l *Lockout) Reset(ctx context.Context, key string) error {
	if errDelete := l.cache.Delete(ctx, untilKey(key)); errDelete != nil {
		return errDelete
	}
	return l.cache.Delete(ctx, countKey(key))
}

// formatWait renders d as "N minutes M seconds" or "M seconds".
func formatWait(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if secs < 60 {
		return fmt.Sprintf("%d seconds", secs)
	}
	return fmt.Sprintf("%d minutes %d seconds", secs/60, secs%60)
}
