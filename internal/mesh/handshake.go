// ABOUTME: Connection establishment: dialing peers and accepting upgrades.
// ABOUTME: Links start as an HTTP/1.1 upgrade and continue as envelope streams.

package mesh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/coven-mesh/internal/auth"
	"github.com/2389/coven-mesh/internal/wire"
)

// Mesh links are negotiated over HTTP so the daemon can serve health, status,
// and metrics on the same port. A peer sends GET /mesh with an Upgrade
// header; after the 101 both sides speak newline-delimited envelopes.
const (
	UpgradePath     = "/mesh"
	upgradeProtocol = "coven-mesh/1"

	headerAgent = "X-Mesh-Agent"
	headerToken = "X-Mesh-Token"

	dialTimeout      = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

// ConnectReason classifies why establishing a link failed.
type ConnectReason string

const (
	ReasonUnreachable      ConnectReason = "unreachable"
	ReasonTimeout          ConnectReason = "timeout"
	ReasonHandshakeFailed  ConnectReason = "handshake_failed"
	ReasonIdentityMismatch ConnectReason = "identity_mismatch"
)

// ConnectError describes a failed connection attempt to a peer.
type ConnectError struct {
	Addr   string
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Dialer establishes outbound links.
type Dialer struct {
	SelfID string
	Authn  *auth.MeshAuthenticator // nil when the mesh runs without a secret
	Logger *slog.Logger
}

// Dial connects to a peer endpoint, runs the upgrade handshake, and returns
// the established link. If spec pins an identity, a peer announcing a
// different id is rejected with ReasonIdentityMismatch.
func (d *Dialer) Dial(ctx context.Context, spec PeerSpec) (*Conn, error) {
	nc, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", spec.Addr)
	if err != nil {
		reason := ReasonUnreachable
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			reason = ReasonTimeout
		}
		return nil, &ConnectError{Addr: spec.Addr, Reason: reason, Err: err}
	}

	nc.SetDeadline(time.Now().Add(handshakeTimeout))

	req, err := http.NewRequest(http.MethodGet, "http://"+spec.Addr+UpgradePath, nil)
	if err != nil {
		nc.Close()
		return nil, &ConnectError{Addr: spec.Addr, Reason: ReasonHandshakeFailed, Err: err}
	}
	req.Header.Set("Upgrade", upgradeProtocol)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set(headerAgent, d.SelfID)
	if d.Authn != nil {
		token, err := d.Authn.Generate(d.SelfID)
		if err != nil {
			nc.Close()
			return nil, &ConnectError{Addr: spec.Addr, Reason: ReasonHandshakeFailed, Err: err}
		}
		req.Header.Set(headerToken, token)
	}

	if err := req.Write(nc); err != nil {
		nc.Close()
		return nil, &ConnectError{Addr: spec.Addr, Reason: ReasonHandshakeFailed, Err: err}
	}

	br := bufio.NewReader(nc)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		nc.Close()
		return nil, &ConnectError{Addr: spec.Addr, Reason: ReasonHandshakeFailed, Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		nc.Close()
		return nil, &ConnectError{
			Addr:   spec.Addr,
			Reason: ReasonHandshakeFailed,
			Err:    fmt.Errorf("peer answered %s", resp.Status),
		}
	}

	peerID := resp.Header.Get(headerAgent)
	if peerID == "" {
		nc.Close()
		return nil, &ConnectError{
			Addr:   spec.Addr,
			Reason: ReasonHandshakeFailed,
			Err:    errors.New("peer did not announce an identity"),
		}
	}
	if peerID == d.SelfID {
		nc.Close()
		return nil, &ConnectError{
			Addr:   spec.Addr,
			Reason: ReasonIdentityMismatch,
			Err:    errors.New("peer announced our own identity"),
		}
	}
	if spec.ID != "" && peerID != spec.ID {
		nc.Close()
		return nil, &ConnectError{
			Addr:   spec.Addr,
			Reason: ReasonIdentityMismatch,
			Err:    fmt.Errorf("expected %s, peer announced %s", spec.ID, peerID),
		}
	}

	if d.Authn != nil {
		verified, err := d.Authn.Verify(resp.Header.Get(headerToken))
		if err != nil {
			nc.Close()
			return nil, &ConnectError{Addr: spec.Addr, Reason: ReasonHandshakeFailed, Err: err}
		}
		if verified != peerID {
			nc.Close()
			return nil, &ConnectError{
				Addr:   spec.Addr,
				Reason: ReasonIdentityMismatch,
				Err:    fmt.Errorf("token subject %s does not match announced id %s", verified, peerID),
			}
		}
	}

	nc.SetDeadline(time.Time{})

	// The response reader may have buffered envelope bytes already; the
	// decoder must read through it.
	return NewConn(peerID, Outbound, nc, wire.NewDecoder(br), d.Logger), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// UpgradeHandler accepts inbound mesh links. It validates the upgrade
// request, authenticates the peer, hijacks the HTTP connection, and hands
// the established link to accept.
func UpgradeHandler(selfID string, authn *auth.MeshAuthenticator, logger *slog.Logger, accept func(*Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != upgradeProtocol {
			http.Error(w, "expected mesh upgrade", http.StatusUpgradeRequired)
			return
		}

		peerID := r.Header.Get(headerAgent)
		if peerID == "" {
			http.Error(w, "missing agent identity", http.StatusBadRequest)
			return
		}
		if peerID == selfID {
			http.Error(w, "identity collision", http.StatusConflict)
			return
		}

		if authn != nil {
			verified, err := authn.Verify(r.Header.Get(headerToken))
			if err != nil {
				logger.Warn("rejected inbound link", "peer_id", peerID, "error", err)
				http.Error(w, "authentication failed", http.StatusUnauthorized)
				return
			}
			if verified != peerID {
				http.Error(w, "token subject mismatch", http.StatusUnauthorized)
				return
			}
		}

		hijacker, ok := w.(http.Hijacker)
		if !ok {
			logger.Error("response writer does not support hijacking")
			http.Error(w, "server does not support connection hijacking", http.StatusInternalServerError)
			return
		}

		nc, bufrw, err := hijacker.Hijack()
		if err != nil {
			logger.Error("hijack failed", "peer_id", peerID, "error", err)
			return
		}
		nc.SetDeadline(time.Time{})

		// Write the 101 manually on the hijacked connection.
		fmt.Fprintf(bufrw, "HTTP/1.1 101 Switching Protocols\r\n")
		fmt.Fprintf(bufrw, "Upgrade: %s\r\n", upgradeProtocol)
		fmt.Fprintf(bufrw, "Connection: Upgrade\r\n")
		fmt.Fprintf(bufrw, "%s: %s\r\n", headerAgent, selfID)
		if authn != nil {
			token, err := authn.Generate(selfID)
			if err != nil {
				logger.Error("minting handshake token failed", "error", err)
				nc.Close()
				return
			}
			fmt.Fprintf(bufrw, "%s: %s\r\n", headerToken, token)
		}
		fmt.Fprintf(bufrw, "\r\n")
		if err := bufrw.Flush(); err != nil {
			logger.Warn("writing upgrade response failed", "peer_id", peerID, "error", err)
			nc.Close()
			return
		}

		accept(NewConn(peerID, Inbound, nc, wire.NewDecoder(bufrw.Reader), logger))
	})
}
