package sync

import "errors"

var (
	ErrNotAuthoritative = errors.New("value is not authoritative on this node")
	ErrStaleRevision    = errors.New("stale revision")
	ErrClosed           = errors.New("value is closed")
	ErrAlreadyBound     = errors.New("value is already bound")
	ErrKeyCollision     = errors.New("replication key collides with a bound key")
	ErrRejected         = errors.New("proposal rejected")
	ErrRateLimited      = errors.New("proposal rate limited")
)
