package lock

import (
	"strconv"
	"strings"
)

const (
	// Separator joins the protected key and its discriminator.
	Separator = ":"
	// InitialTag is the discriminator used when no entry exists yet.
	InitialTag = "initial"
)

// Discriminator partitions locks per refresh generation of an entry.
// The zero value is the Initial discriminator.
type Discriminator struct {
	refresh bool
	expiry  int64
}

// Initial returns the discriminator for computing a missing entry.
func Initial() Discriminator {
	return Discriminator{}
}

// Refresh returns the discriminator for replacing the entry generation that
// expires at expiry.
func Refresh(expiry int64) Discriminator {
	return Discriminator{refresh: true, expiry: expiry}
}

// IsInitial reports whether d guards the first computation of an entry.
func (d Discriminator) IsInitial() bool {
	return !d.refresh
}

// Expiry returns the entry expiry pinned by a Refresh discriminator.
func (d Discriminator) Expiry() (int64, bool) {
	return d.expiry, d.refresh
}

// String renders the discriminator as stored in the lock key.
func (d Discriminator) String() string {
	if !d.refresh {
		return InitialTag
	}
	return strconv.FormatInt(d.expiry, 10)
}

// Key returns the lock key guarding key for the generation d.
func Key(key string, d Discriminator) string {
	return key + Separator + d.String()
}

// Parse splits a lock key produced by Key back into its parts. Keys may
// themselves contain the separator; the discriminator is always the last
// segment.
func Parse(lockKey string) (string, Discriminator, bool) {
	i := strings.LastIndex(lockKey, Separator)
	if i <= 0 || i == len(lockKey)-1 {
		return "", Discriminator{}, false
	}
	key, tag := lockKey[:i], lockKey[i+1:]
	if tag == InitialTag {
		return key, Initial(), true
	}
	expiry, err := strconv.ParseInt(tag, 10, 64)
	if err != nil {
		return "", Discriminator{}, false
	}
	return key, Refresh(expiry), true
}
