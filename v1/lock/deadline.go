package lock

import "time"

// Millis converts t to the epoch milliseconds used for expiries and deadlines.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Now returns the current wall clock in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Time converts epoch milliseconds back to a time.Time.
func Time(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Add returns ms shifted by d, truncated to whole milliseconds.
func Add(ms int64, d time.Duration) int64 {
	return ms + d.Milliseconds()
}

// HeldUntil returns the deadline of a lock taken at now for d.
func HeldUntil(now int64, d time.Duration) int64 {
	return Add(now, d)
}

// Reclaimable reports whether a lock held until heldUntil may be taken over at now.
func Reclaimable(heldUntil, now int64) bool {
	return now >= heldUntil
}

// Fresh reports whether an entry expiring at expiry is outside the refresh
// window at now, so it can be served without any lock traffic.
func Fresh(expiry, now int64, window time.Duration) bool {
	return expiry >= Add(now, window)
}

// Expired reports whether an entry expiring at expiry is stale at now.
func Expired(expiry, now int64) bool {
	return expiry < now
}
