package storage

import "errors"

var (
	ErrInvalidKey  = errors.New("invalid blob key")
	ErrUnavailable = errors.New("blob store unavailable")
)
