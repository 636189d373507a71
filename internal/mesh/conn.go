// ABOUTME: A single established link to a peer and its pump goroutines.
// ABOUTME: Handles non-blocking sends, framed reads, and loss signaling.

package mesh

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/coven-mesh/internal/telemetry"
	"github.com/2389/coven-mesh/internal/wire"
)

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

const (
	// sendBufferSize bounds the per-peer outbox. A peer that stops reading
	// costs us dropped envelopes, never a blocked sender.
	sendBufferSize = 64
	recvBufferSize = 64

	writeTimeout = 10 * time.Second
)

// Direction records which side initiated a link. It decides which link
// survives when a peer pair ends up with two.
type Direction int

const (
	Outbound Direction = iota // we dialed
	Inbound                   // the peer dialed us
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Conn is one established, authenticated link to a peer. Two goroutines pump
// it: a write loop draining the outbox and a read loop filling the inbox.
// Either side failing marks the link lost exactly once.
type Conn struct {
	PeerID    string
	Direction Direction

	nc     net.Conn
	enc    *wire.Encoder
	dec    *wire.Decoder
	logger *slog.Logger

	outbox chan wire.Envelope
	inbox  chan wire.Envelope

	lostOnce sync.Once
	lost     chan struct{}
}

// NewConn wraps an authenticated net.Conn and starts its pump goroutines.
// The decoder reads through dec rather than nc directly so bytes the
// handshake already buffered are not lost.
func NewConn(peerID string, dir Direction, nc net.Conn, dec *wire.Decoder, logger *slog.Logger) *Conn {
	c := &Conn{
		PeerID:    peerID,
		Direction: dir,
		nc:        nc,
		enc:       wire.NewEncoder(nc),
		dec:       dec,
		logger:    logger.With("peer_id", peerID, "direction", dir.String()),
		outbox:    make(chan wire.Envelope, sendBufferSize),
		inbox:     make(chan wire.Envelope, recvBufferSize),
		lost:      make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Send queues an envelope without blocking. Returns ErrConnectionClosed if
// the link is lost and ErrSendBufferFull if the peer is not keeping up.
func (c *Conn) Send(env wire.Envelope) error {
	select {
	case <-c.lost:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outbox <- env:
		return nil
	case <-c.lost:
		return ErrConnectionClosed
	default:
		telemetry.EnvelopesDropped.WithLabelValues("backpressure").Inc()
		return ErrSendBufferFull
	}
}

// Receive returns the inbox channel. It is closed when the link is lost and
// the read loop has drained.
func (c *Conn) Receive() <-chan wire.Envelope {
	return c.inbox
}

// Lost returns a channel closed when the link fails or is closed.
func (c *Conn) Lost() <-chan struct{} {
	return c.lost
}

// Close tears the link down. Safe to call multiple times.
func (c *Conn) Close() error {
	c.markLost()
	return nil
}

func (c *Conn) markLost() {
	c.lostOnce.Do(func() {
		close(c.lost)
		c.nc.Close()
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case env := <-c.outbox:
			c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.enc.Encode(env); err != nil {
				c.logger.Debug("write failed, marking link lost", "error", err)
				c.markLost()
				return
			}
			telemetry.EnvelopesSent.WithLabelValues(string(env.Kind)).Inc()
		case <-c.lost:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.inbox)
	for {
		env, err := c.dec.Decode()
		if err != nil {
			// A malformed frame is a protocol fault in one message, not a
			// dead link: drop it and keep reading.
			if errors.Is(err, wire.ErrMalformedFrame) {
				telemetry.EnvelopesDropped.WithLabelValues("malformed").Inc()
				c.logger.Warn("dropped malformed frame", "error", err)
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read ended", "error", err)
			}
			if errors.Is(err, wire.ErrFrameTooLarge) {
				telemetry.EnvelopesDropped.WithLabelValues("oversized").Inc()
			}
			c.markLost()
			return
		}
		telemetry.EnvelopesReceived.WithLabelValues(string(env.Kind)).Inc()

		select {
		case c.inbox <- env:
		case <-c.lost:
			return
		}
	}
}
