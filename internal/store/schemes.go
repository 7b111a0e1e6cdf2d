package store

import (
	"math"
	"time"
)

// The functions below are the in-process form of the counting schemes. The
// Lua scripts in redis.go implement the same arithmetic on millisecond
// integers, so both backends agree on every boundary.

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// fixedWindow counts every attempt; the attempt that takes the count past
// the limit and everything after it is denied until the window ends.
func fixedWindow(rec *Record, now time.Time, w Window) Counter {
	nowMS := millis(now)
	size := w.Size.Milliseconds()

	start := millis(rec.WindowStart)
	if rec.Kind != KindFixed || rec.Window != w.Size || rec.WindowStart.IsZero() || nowMS >= start+size {
		start = nowMS
		if w.Aligned {
			start = nowMS - nowMS%size
		}
		*rec = Record{Key: rec.Key, Kind: KindFixed, FirstSeen: now}
	}

	rec.Count++
	rec.Limit = w.Limit
	rec.Window = w.Size
	rec.WindowStart = fromMillis(start)
	rec.LastSeen = now
	rec.ExpiresAt = fromMillis(start + size)
	rec.BlockedUntil = time.Time{}

	reset := start + size - nowMS
	c := Counter{Count: rec.Count, Reset: msDuration(reset)}
	if rec.Count <= int64(w.Limit) {
		c.Allowed = true
		c.Remaining = w.Limit - int(rec.Count)
		return c
	}
	c.RetryAfter = msDuration(reset)
	rec.BlockedUntil = rec.ExpiresAt
	return c
}

// slidingWindow estimates the rolling count as
// current + previous*(1-elapsed/size) over epoch-aligned windows. The
// estimate is taken before this attempt is counted; the attempt is counted
// whether or not it is admitted.
func slidingWindow(rec *Record, now time.Time, w Window) Counter {
	nowMS := millis(now)
	size := w.Size.Milliseconds()
	start := nowMS - nowMS%size

	if rec.Kind != KindSliding || rec.Window != w.Size {
		*rec = Record{Key: rec.Key, Kind: KindSliding, FirstSeen: now, WindowStart: fromMillis(start)}
	}
	switch prev := millis(rec.WindowStart); {
	case prev == start:
	case prev == start-size:
		rec.Previous, rec.Count = rec.Count, 0
	default:
		rec.Previous, rec.Count = 0, 0
	}

	elapsed := float64(nowMS-start) / float64(size)
	estimate := float64(rec.Count) + float64(rec.Previous)*(1-elapsed)
	limit := float64(w.Limit)

	rec.Count++
	rec.Limit = w.Limit
	rec.Window = w.Size
	rec.WindowStart = fromMillis(start)
	rec.LastSeen = now
	rec.ExpiresAt = fromMillis(start + 2*size)
	rec.BlockedUntil = time.Time{}

	c := Counter{Count: rec.Count, Reset: msDuration(start + 2*size - nowMS)}
	if estimate < limit {
		c.Allowed = true
		c.Remaining = max(0, int(math.Floor(limit-estimate-1)))
		return c
	}

	retry := slidingRetry(rec.Count, rec.Previous, w.Limit, size, nowMS-start)
	c.RetryAfter = msDuration(retry)
	rec.BlockedUntil = fromMillis(nowMS + retry)
	return c
}

// slidingRetry returns the milliseconds until the estimate drops below limit,
// assuming no further attempts.
func slidingRetry(current, previous int64, limit int, size, elapsed int64) int64 {
	cur, prev, lim, sz := float64(current), float64(previous), float64(limit), float64(size)
	var at float64
	if cur < lim && prev > 0 {
		// Still inside this window: wait for the previous window's weight to decay.
		at = sz*(1-(lim-cur)/prev) + 1
	} else {
		// The current window alone is at the limit: wait for it to become
		// the previous window and decay enough.
		at = sz + sz*(1-lim/cur) + 1
	}
	retry := int64(math.Ceil(at)) - elapsed
	if retry < 1 {
		retry = 1
	}
	return retry
}

// tokenBucket refills limit tokens per window continuously and consumes one
// token per admitted attempt.
func tokenBucket(rec *Record, now time.Time, w Window) Counter {
	nowMS := millis(now)
	size := w.Size.Milliseconds()
	capacity := float64(w.Limit)

	if rec.Kind != KindToken || rec.Window != w.Size {
		*rec = Record{Key: rec.Key, Kind: KindToken, Tokens: capacity, FirstSeen: now, WindowStart: now, LastSeen: now}
	}

	elapsed := nowMS - millis(rec.LastSeen)
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := math.Min(capacity, rec.Tokens+capacity*float64(elapsed)/float64(size))

	rec.Count++
	rec.Limit = w.Limit
	rec.Window = w.Size
	rec.LastSeen = now
	rec.BlockedUntil = time.Time{}

	c := Counter{Count: rec.Count}
	if tokens >= 1 {
		tokens--
		c.Allowed = true
		c.Remaining = int(math.Floor(tokens))
	} else {
		retry := int64(math.Ceil((1 - tokens) * float64(size) / capacity))
		c.RetryAfter = msDuration(retry)
		rec.BlockedUntil = fromMillis(nowMS + retry)
	}
	rec.Tokens = tokens

	full := int64(math.Ceil((capacity - tokens) * float64(size) / capacity))
	if full < 1 {
		full = 1
	}
	c.Reset = msDuration(full)
	rec.ExpiresAt = fromMillis(nowMS + full)
	return c
}
