// ABOUTME: Peer registry: link lifecycle, heartbeats, liveness, and routing.
// ABOUTME: Owns reconnect loops, duplicate-link resolution, and inbound dispatch.

package mesh

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-mesh/internal/dedupe"
	"github.com/2389/coven-mesh/internal/telemetry"
	"github.com/2389/coven-mesh/internal/wire"
)

const (
	// Reconnect backoff: full jitter over an exponentially growing window.
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second

	dedupeTTL     = 30 * time.Second
	dedupeMaxSize = 4096
)

// Timings collects the protocol intervals the registry runs on.
type Timings struct {
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
}

// PeerStatus is a point-in-time view of one peer, for /status and logs.
type PeerStatus struct {
	ID        string    `json:"id"`
	Connected bool      `json:"connected"`
	Direction string    `json:"direction,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// peer is the registry's record for one known peer. A peer exists once it is
// configured, discovered, or connects inbound; conn is nil while the link is
// down.
type peer struct {
	id       string
	conn     *Conn
	lastSeen time.Time
}

// Registry tracks every peer this agent knows about and keeps links to them
// alive. All envelope traffic flows through it: outbound via Broadcast/Send,
// inbound via per-link read pumps that dedupe, term-filter, and route.
//
// The mutex guards the peer table only and is never held across I/O.
type Registry struct {
	selfID  string
	timings Timings
	dialer  *Dialer
	logger  *slog.Logger

	cache *dedupe.Cache
	terms *dedupe.TermTracker

	// termFn stamps outgoing heartbeats with the current election term.
	termFn func() uint64

	// coordination receives heartbeat and election envelopes in arrival
	// order. app_payload envelopes go to the events broadcaster instead.
	coordination func(wire.Envelope)
	events       *Broadcaster

	onPeerUp   func(peerID string)
	onPeerDown func(peerID string)

	mu      sync.Mutex
	peers   map[string]*peer
	targets map[string]bool // addresses with a dial loop running

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry for the given identity. Handlers default to
// no-ops; the coordinator installs its own before Start.
func NewRegistry(selfID string, timings Timings, dialer *Dialer, events *Broadcaster, logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		selfID:       selfID,
		timings:      timings,
		dialer:       dialer,
		logger:       logger.With("component", "registry"),
		cache:        dedupe.New(dedupeTTL, dedupeMaxSize),
		terms:        dedupe.NewTermTracker(),
		termFn:       func() uint64 { return 0 },
		coordination: func(wire.Envelope) {},
		events:       events,
		onPeerUp:     func(string) {},
		onPeerDown:   func(string) {},
		peers:        make(map[string]*peer),
		targets:      make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetTermSource installs the function that stamps heartbeat terms.
func (r *Registry) SetTermSource(fn func() uint64) { r.termFn = fn }

// SetCoordinationHandler installs the consumer for heartbeat and election
// envelopes. Must be called before Start.
func (r *Registry) SetCoordinationHandler(fn func(wire.Envelope)) { r.coordination = fn }

// SetMembershipHandlers installs callbacks fired when a peer transitions
// between connected and disconnected. Must be called before Start.
func (r *Registry) SetMembershipHandlers(up, down func(peerID string)) {
	r.onPeerUp = up
	r.onPeerDown = down
}

// Start launches the heartbeat and liveness loops.
func (r *Registry) Start() {
	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.livenessLoop()
}

// Close tears down all links and stops the background loops.
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.peers))
	for _, p := range r.peers {
		if p.conn != nil {
			conns = append(conns, p.conn)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	r.wg.Wait()
	r.cache.Close()
}

// AddTarget starts a reconnect loop that keeps an outbound link to the given
// endpoint alive. Idempotent: an address that already has a loop is ignored,
// so discovery events may repeat configured peers. An id-pinned spec seeds a
// disconnected peer entry so the status snapshot lists configured peers
// before the first successful dial. Duplicate-link resolution handles the
// case where the peer dials us at the same time.
func (r *Registry) AddTarget(spec PeerSpec) {
	r.mu.Lock()
	if r.targets[spec.Addr] {
		r.mu.Unlock()
		return
	}
	r.targets[spec.Addr] = true
	if spec.ID != "" && spec.ID != r.selfID {
		if _, known := r.peers[spec.ID]; !known {
			r.peers[spec.ID] = &peer{id: spec.ID}
		}
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.dialLoop(spec)
}

// dialLoop dials, adopts, waits for loss, and retries with jittered
// exponential backoff. Successful connections reset the backoff. Once the
// peer's identity is known, the loop sleeps while any live link to that peer
// exists instead of dialing into duplicate resolution over and over.
func (r *Registry) dialLoop(spec PeerSpec) {
	defer r.wg.Done()

	peerID := spec.ID
	attempt := 0
	for {
		if peerID != "" {
			if live := r.liveConn(peerID); live != nil {
				select {
				case <-live.Lost():
				case <-r.ctx.Done():
					return
				}
			}
		}

		telemetry.ReconnectAttempts.Inc()
		conn, err := r.dialer.Dial(r.ctx, spec)
		if err != nil {
			var cerr *ConnectError
			if errors.As(err, &cerr) && cerr.Reason == ReasonIdentityMismatch {
				// Wrong peer behind this address. Retrying cannot help
				// until the operator fixes the config, but the address
				// may also be recycled, so keep trying at the cap.
				r.logger.Error("peer identity mismatch", "addr", spec.Addr, "error", err)
				attempt = 10
			} else {
				r.logger.Debug("dial failed", "addr", spec.Addr, "error", err)
			}
			attempt++
		} else {
			peerID = conn.PeerID
			attempt = 0
			if r.adopt(conn) {
				select {
				case <-conn.Lost():
				case <-r.ctx.Done():
					return
				}
			}
		}

		select {
		case <-time.After(backoffDelay(attempt)):
		case <-r.ctx.Done():
			return
		}
	}
}

// liveConn returns the peer's current link, nil when disconnected.
func (r *Registry) liveConn(peerID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok {
		return p.conn
	}
	return nil
}

// backoffDelay returns a full-jitter delay for the given attempt number:
// uniform over [0, min(cap, base*2^attempt)].
func backoffDelay(attempt int) time.Duration {
	window := backoffBase << uint(min(attempt, 30))
	if window > backoffCap || window <= 0 {
		window = backoffCap
	}
	return time.Duration(rand.Int64N(int64(window) + 1))
}

// AcceptInbound adopts a link established by the upgrade handler.
func (r *Registry) AcceptInbound(conn *Conn) {
	r.adopt(conn)
}

// adopt installs an established link in the peer table, resolving duplicates.
// When both sides of a pair dial simultaneously the pair briefly holds two
// links; the link initiated by the lexicographically smaller agent id
// survives, deterministically on both ends. Returns false if conn lost.
func (r *Registry) adopt(conn *Conn) bool {
	initiator := r.selfID
	if conn.Direction == Inbound {
		initiator = conn.PeerID
	}
	preferred := min(r.selfID, conn.PeerID)

	r.mu.Lock()
	p, known := r.peers[conn.PeerID]
	if !known {
		p = &peer{id: conn.PeerID}
		r.peers[conn.PeerID] = p
	}

	wasConnected := p.conn != nil
	if wasConnected {
		existingInitiator := r.selfID
		if p.conn.Direction == Inbound {
			existingInitiator = p.conn.PeerID
		}
		if initiator != preferred || existingInitiator == preferred {
			// The link we already hold wins; drop the newcomer.
			r.mu.Unlock()
			r.logger.Debug("dropped duplicate link",
				"peer_id", conn.PeerID,
				"direction", conn.Direction.String())
			conn.Close()
			return false
		}
		// The newcomer wins; retire the held link without treating it as
		// a peer-down transition.
		old := p.conn
		p.conn = nil
		r.mu.Unlock()
		old.Close()
		r.mu.Lock()
	}

	p.conn = conn
	p.lastSeen = time.Now()
	r.mu.Unlock()

	if !wasConnected {
		telemetry.ConnectedPeers.Inc()
	}
	r.logger.Info("peer connected",
		"peer_id", conn.PeerID,
		"direction", conn.Direction.String())

	r.wg.Add(1)
	go r.readPump(conn)

	if !wasConnected {
		r.onPeerUp(conn.PeerID)
	}
	return true
}

// readPump drains one link's inbox, filters, and routes until the link dies.
func (r *Registry) readPump(conn *Conn) {
	defer r.wg.Done()

	for env := range conn.Receive() {
		r.mu.Lock()
		if p, ok := r.peers[conn.PeerID]; ok && p.conn == conn {
			p.lastSeen = time.Now()
		}
		r.mu.Unlock()

		if env.Sender != conn.PeerID {
			telemetry.EnvelopesDropped.WithLabelValues("malformed").Inc()
			r.logger.Warn("envelope sender does not match link identity",
				"peer_id", conn.PeerID, "sender", env.Sender)
			continue
		}

		if r.cache.Seen(&env) {
			telemetry.EnvelopesDropped.WithLabelValues("duplicate").Inc()
			continue
		}

		switch env.Kind {
		case wire.KindAppPayload:
			r.events.Publish(env)
		case wire.KindElectionRequest, wire.KindVote, wire.KindElectionResult:
			if !r.terms.Observe(env.Sender, env.Term) {
				telemetry.EnvelopesDropped.WithLabelValues("stale_term").Inc()
				continue
			}
			r.coordination(env)
		default: // heartbeat
			r.coordination(env)
		}
	}

	r.peerLost(conn)
}

// peerLost transitions a peer to disconnected when its current link dies.
// A link already replaced during duplicate resolution is ignored.
func (r *Registry) peerLost(conn *Conn) {
	r.mu.Lock()
	p, ok := r.peers[conn.PeerID]
	if !ok || p.conn != conn {
		r.mu.Unlock()
		return
	}
	p.conn = nil
	r.mu.Unlock()

	telemetry.ConnectedPeers.Dec()
	r.terms.Forget(conn.PeerID)
	r.logger.Info("peer disconnected", "peer_id", conn.PeerID)
	r.onPeerDown(conn.PeerID)
}

// heartbeatLoop broadcasts a heartbeat at the configured interval, stamped
// with the current election term.
func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.timings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			env, err := wire.New(r.selfID, wire.KindHeartbeat, r.termFn(), nil)
			if err != nil {
				continue
			}
			r.Broadcast(env)
		case <-r.ctx.Done():
			return
		}
	}
}

// livenessLoop closes links whose peers have gone quiet past the liveness
// timeout. Closing the link drives the normal loss path, so reconnect and
// peer-down notification follow without special casing.
func (r *Registry) livenessLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.timings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-r.timings.LivenessTimeout)

			r.mu.Lock()
			var stale []*Conn
			for _, p := range r.peers {
				if p.conn != nil && p.lastSeen.Before(cutoff) {
					stale = append(stale, p.conn)
				}
			}
			r.mu.Unlock()

			for _, c := range stale {
				telemetry.HeartbeatTimeouts.Inc()
				r.logger.Warn("peer missed heartbeats, closing link", "peer_id", c.PeerID)
				c.Close()
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// Broadcast sends an envelope to every connected peer. Per-peer failures are
// logged, not returned: a slow or dying peer must not stall the others.
func (r *Registry) Broadcast(env wire.Envelope) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.peers))
	for _, p := range r.peers {
		if p.conn != nil {
			conns = append(conns, p.conn)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(env); err != nil {
			r.logger.Debug("broadcast send failed",
				"peer_id", c.PeerID, "kind", string(env.Kind), "error", err)
		}
	}
}

// Send delivers an envelope to one peer.
func (r *Registry) Send(peerID string, env wire.Envelope) error {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	var conn *Conn
	if ok {
		conn = p.conn
	}
	r.mu.Unlock()

	if conn == nil {
		return ErrConnectionClosed
	}
	return conn.Send(env)
}

// ConnectedIDs returns the ids of currently connected peers, sorted.
func (r *Registry) ConnectedIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.peers))
	for id, p := range r.peers {
		if p.conn != nil {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// ClusterSize is the number of reachable members including this agent.
func (r *Registry) ClusterSize() int {
	return len(r.ConnectedIDs()) + 1
}

// Snapshot reports every known peer for the status endpoint.
func (r *Registry) Snapshot() []PeerStatus {
	r.mu.Lock()
	statuses := make([]PeerStatus, 0, len(r.peers))
	for id, p := range r.peers {
		s := PeerStatus{ID: id, Connected: p.conn != nil, LastSeen: p.lastSeen}
		if p.conn != nil {
			s.Direction = p.conn.Direction.String()
		}
		statuses = append(statuses, s)
	}
	r.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}
