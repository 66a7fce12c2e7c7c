// Package errors holds the transport sentinels returned by store adapters.
// The coordinator passes them through untouched.
package errors

import "errors"

var (
	// ErrTimeout is returned when a store round trip exceeds its deadline.
	ErrTimeout = errors.New("warmlock: store timeout")
	// ErrConnectionClosed is returned when the store client was closed.
	ErrConnectionClosed = errors.New("warmlock: store connection closed")
)
