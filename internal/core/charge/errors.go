package charge

import "errors"

var (
	// ErrInsufficientResource means there is no charge left to consume.
	ErrInsufficientResource = errors.New("no charge available")
	// ErrConsumeNotPermitted means the consume gate refused, e.g. the block is unpowered.
	ErrConsumeNotPermitted = errors.New("consume not permitted")
	// ErrProposalMismatch is returned to a mirror whose consume proposal was
	// built on a charge count the authority no longer holds.
	ErrProposalMismatch = errors.New("consume proposal does not match current charges")
	ErrInvalidConfig    = errors.New("invalid charge config")
)
