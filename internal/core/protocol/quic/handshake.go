package quic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/gridsync/internal/core/protocol"
)

const (
	helloVersion = 1
	maxHelloSize = 64

	fieldHelloVersion protocol.FieldNumber = 1
	fieldHelloPeer    protocol.FieldNumber = 2
)

var (
	errInvalidPeer     = errors.New("invalid peer id")
	errVersionMismatch = errors.New("hello version mismatch")
)

func encodeHello(peer protocol.PeerID) []byte {
	return protocol.NewEncoder(16).
		Uint(fieldHelloVersion, helloVersion).
		Uint(fieldHelloPeer, uint64(peer)).
		Encode()
}

func decodeHello(b []byte) (protocol.PeerID, error) {
	var version, peer uint64
	d := protocol.NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case fieldHelloVersion:
			version = d.Uint()
		case fieldHelloPeer:
			peer = d.Uint()
		}
	}
	if err := d.Err(); err != nil {
		return 0, err
	}
	if version != helloVersion {
		return 0, fmt.Errorf("%w: got %d", errVersionMismatch, version)
	}
	id := protocol.PeerID(peer)
	if id == 0 || id == protocol.Broadcast {
		return 0, errInvalidPeer
	}
	return id, nil
}

// exchangeHello runs on the dialing side: it opens a stream, announces local
// and reads back the listener's id.
func exchangeHello(ctx context.Context, qc *quic.Conn, local protocol.PeerID, timeout time.Duration) (protocol.PeerID, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := qc.OpenStreamSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("open hello stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	if _, err = s.Write(encodeHello(local)); err != nil {
		return 0, fmt.Errorf("write hello: %w", err)
	}
	if err = s.Close(); err != nil {
		return 0, fmt.Errorf("close hello: %w", err)
	}
	reply, err := io.ReadAll(io.LimitReader(s, maxHelloSize))
	if err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}
	return decodeHello(reply)
}

// acceptHello is the listener's half of exchangeHello.
func acceptHello(ctx context.Context, qc *quic.Conn, local protocol.PeerID, timeout time.Duration) (protocol.PeerID, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := qc.AcceptStream(ctx)
	if err != nil {
		return 0, fmt.Errorf("accept hello stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	b, err := io.ReadAll(io.LimitReader(s, maxHelloSize))
	if err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}
	peer, err := decodeHello(b)
	if err != nil {
		s.CancelWrite(0)
		return 0, err
	}
	if peer == local {
		s.CancelWrite(0)
		return 0, fmt.Errorf("%w: peer claims the listener id %d", errInvalidPeer, peer)
	}
	if _, err = s.Write(encodeHello(local)); err != nil {
		return 0, fmt.Errorf("write hello: %w", err)
	}
	return peer, s.Close()
}
