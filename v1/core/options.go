package core

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultRefreshWindow is how long before expiry callers start refreshing.
	DefaultRefreshWindow = 3 * time.Minute
	// DefaultLockDuration bounds how long a crashed producer can block others.
	DefaultLockDuration = 5 * time.Second
	// DefaultMaxRetries is the number of extra passes allowed after reclaiming
	// a stale lock.
	DefaultMaxRetries = 2
)

// ContentionPolicy decides what a caller that lost the race gets when no
// usable cached value exists.
type ContentionPolicy int

const (
	// ContentionFail returns a *ContentionError.
	ContentionFail ContentionPolicy = iota
	// ContentionReturnEmpty returns no value and no error.
	ContentionReturnEmpty
)

func (p ContentionPolicy) String() string {
	switch p {
	case ContentionFail:
		return "fail"
	case ContentionReturnEmpty:
		return "returnEmpty"
	default:
		return fmt.Sprintf("ContentionPolicy(%d)", int(p))
	}
}

// ParseContentionPolicy parses "fail" or "returnEmpty" (case-insensitive,
// "return-empty" and "empty" are accepted too).
func ParseContentionPolicy(s string) (ContentionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail", "":
		return ContentionFail, nil
	case "returnempty", "return-empty", "return_empty", "empty":
		return ContentionReturnEmpty, nil
	default:
		return 0, fmt.Errorf("warmlock: unknown contention policy %q", s)
	}
}

type config struct {
	refreshWindow time.Duration
	lockDuration  time.Duration
	onContention  ContentionPolicy
	maxRetries    int
	logger        *slog.Logger
	traceEnabled  bool
}

func defaultConfig() config {
	return config{
		refreshWindow: DefaultRefreshWindow,
		lockDuration:  DefaultLockDuration,
		onContention:  ContentionFail,
		maxRetries:    DefaultMaxRetries,
	}
}

// Option configures a Coordinator or a single Resolve call.
type Option func(*config)

// WithRefreshWindow sets how long before expiry an entry becomes eligible
// for refresh. Zero refreshes only expired entries.
func WithRefreshWindow(d time.Duration) Option {
	return func(c *config) {
		c.refreshWindow = d
	}
}

// WithLockDuration sets how long an acquired lock is held before other
// callers may reclaim it. It must be at least one millisecond.
func WithLockDuration(d time.Duration) Option {
	return func(c *config) {
		c.lockDuration = d
	}
}

// WithOnContention sets the contention policy.
func WithOnContention(p ContentionPolicy) Option {
	return func(c *config) {
		c.onContention = p
	}
}

// WithMaxRetries sets how many extra passes are allowed after reclaiming a
// stale lock. Negative values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n < 0 {
			n = 0
		}
		c.maxRetries = n
	}
}

// WithLogger sets the logger used for protocol decisions. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithTracing enables an OpenTelemetry span per Resolve call.
func WithTracing() Option {
	return func(c *config) {
		c.traceEnabled = true
	}
}

func (c config) validate() error {
	// Deadlines are whole milliseconds; anything shorter would expire at now.
	if c.lockDuration < time.Millisecond {
		return ErrInvalidLockDuration
	}
	if c.refreshWindow < 0 {
		return ErrInvalidRefreshWindow
	}
	return nil
}
