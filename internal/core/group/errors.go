package group

import "errors"

var (
	ErrUnknownEntity = errors.New("entity is not tracked")
	ErrUnknownGroup  = errors.New("group does not exist")
	ErrUnknownParam  = errors.New("unknown parameter")
	ErrOutOfRange    = errors.New("parameter out of range")
	ErrInvalidSchema = errors.New("invalid parameter schema")
)
