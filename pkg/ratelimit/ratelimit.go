// Package ratelimit implements a sliding-window event rate limiter.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Limiter is a best-effort, lock-free, CloudFlare-style sliding window limiter.
//
// Algorithm: https://blog.cloudflare.com/counting-things-a-lot-of-different-things/
type Limiter struct {
	Target float32 // events per second
	Window uint    // window size in seconds
	epoch  int64
	w0, w1 int64
}

// NewLimiter creates a limiter allowing target events per second,
// averaged over window seconds.
func NewLimiter(target float32, window uint) *Limiter {
	if window == 0 {
		window = 1
	}
	return &Limiter{
		Target: target,
		Window: window,
	}
}

// Count registers x events at the given unix second
// and returns how long the caller should back off to stay under the target.
// Safe for concurrent use.
func (r *Limiter) Count(unix int64, x int64) time.Duration {
	epoch := unix / int64(r.Window)
	fastPath := true
	var w0, w1 int64
	for {
		savedEpoch := atomic.LoadInt64(&r.epoch)
		if savedEpoch >= epoch {
			break
		}
		fastPath = false
		if !atomic.CompareAndSwapInt64(&r.epoch, savedEpoch, epoch) {
			continue
		}
		if savedEpoch+1 == epoch {
			w1 = x
			w0 = atomic.SwapInt64(&r.w1, w1)
			atomic.StoreInt64(&r.w0, w0)
		} else {
			atomic.StoreInt64(&r.w0, 0)
			atomic.StoreInt64(&r.w1, x)
			w0, w1 = 0, x
		}
		break
	}
	if fastPath {
		w1 = atomic.AddInt64(&r.w1, x)
		w0 = atomic.LoadInt64(&r.w0)
	}
	offset := 1.0 - float32(unix%int64(r.Window))/float32(r.Window)
	usage := offset*float32(w0) + float32(w1)
	rate := usage / float32(r.Window)
	if rate <= r.Target {
		return 0
	}
	ban := float32(r.Window) * (rate - r.Target)
	return time.Duration(ban * float32(time.Second))
}

// Allow registers one event and reports whether it fits the budget.
// A zero or negative Target disables limiting.
func (r *Limiter) Allow(now time.Time) bool {
	if r == nil || r.Target <= 0 {
		return true
	}
	return r.Count(now.Unix(), 1) == 0
}
