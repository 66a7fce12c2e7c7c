// Package lock derives the keys and deadlines of the guard records that
// serialize refreshes of a shared entry. A lock key pins a lock to one
// generation of the entry: either the initial computation or the refresh of a
// specific expiry. Locks carry an absolute deadline after which any caller
// may reclaim them.
package lock
