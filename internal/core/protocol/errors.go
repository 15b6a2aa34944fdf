package protocol

import "errors"

var (
	// Channel errors

	ErrDuplicateHandler = errors.New("channel already has a handler")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrNoHandler        = errors.New("no handler registered for channel")
	ErrSpoofedSender    = errors.New("envelope sender does not match transport peer")

	// Transport errors

	ErrTransportClosed = errors.New("transport is closed")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrQueueFull       = errors.New("send queue is full")
)
