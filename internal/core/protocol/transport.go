package protocol

import "context"

// ReceiveFunc is called by a transport for every inbound packet. It may be
// called concurrently from transport goroutines.
type ReceiveFunc func(from PeerID, data []byte)

// Transport is an unreliable, unordered packet carrier. Send must not block
// on a slow peer: implementations queue and drop when the queue is full.
type Transport interface {
	LocalID() PeerID
	Send(ctx context.Context, to PeerID, data []byte) error
	OnReceive(fn ReceiveFunc)
	Close() error
}
