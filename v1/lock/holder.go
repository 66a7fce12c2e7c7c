package lock

import "github.com/google/uuid"

// NewHolder returns a random token identifying one successful acquisition.
// Stores record it next to the deadline so contention can name the holder.
func NewHolder() string {
	return uuid.NewString()
}
