// ABOUTME: Node facade: one agent's mesh endpoint, registry, and coordinator.
// ABOUTME: Owns the shared HTTP listener serving upgrades, health, status, and metrics.

package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-mesh/internal/auth"
	"github.com/2389/coven-mesh/internal/config"
	"github.com/2389/coven-mesh/internal/telemetry"
	"github.com/2389/coven-mesh/internal/wire"
)

// Node is one agent's membership in the mesh: the listener peers dial, the
// registry of links, and the election coordinator. The rest of the
// application consumes it through Subscribe, Publish, and Leader.
type Node struct {
	ID string

	cfg      *config.Config
	logger   *slog.Logger
	registry *Registry
	elector  *Elector
	events   *Broadcaster

	listener net.Listener
	server   *http.Server

	factMu sync.RWMutex
	fact   Fact

	closeOnce sync.Once
}

// NewNode assembles a node from configuration. The listener is bound here so
// a busy port fails startup instead of surfacing later; Start begins serving.
func NewNode(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	specs, err := ParsePeerURLs(cfg.Mesh.Peers)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Agent.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", cfg.Agent.ListenAddr, err)
	}

	var authn *auth.MeshAuthenticator
	if cfg.Mesh.Secret != "" {
		authn = auth.NewMeshAuthenticator([]byte(cfg.Mesh.Secret))
	}

	n := &Node{
		ID:       cfg.Agent.ID,
		cfg:      cfg,
		logger:   logger.With("agent_id", cfg.Agent.ID),
		listener: listener,
	}

	n.events = NewBroadcaster(logger)

	dialer := &Dialer{SelfID: cfg.Agent.ID, Authn: authn, Logger: logger}
	n.registry = NewRegistry(cfg.Agent.ID, Timings{
		HeartbeatInterval: cfg.Mesh.HeartbeatInterval,
		LivenessTimeout:   cfg.Mesh.LivenessTimeout,
	}, dialer, n.events, logger)

	n.elector = NewElector(cfg.Agent.ID, n.registry,
		cfg.Mesh.ElectionStepTimeout, cfg.Mesh.StartupGrace,
		n.publishFact, logger)

	n.registry.SetTermSource(n.elector.Term)
	n.registry.SetCoordinationHandler(n.elector.HandleEnvelope)
	n.registry.SetMembershipHandlers(n.elector.PeerUp, n.elector.PeerDown)

	mux := http.NewServeMux()
	mux.Handle(UpgradePath, UpgradeHandler(cfg.Agent.ID, authn, logger, n.registry.AcceptInbound))
	mux.HandleFunc("/healthz", n.handleHealthz)
	mux.HandleFunc("/status", n.handleStatus)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, telemetry.MetricsHandler())
	}
	n.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, spec := range specs {
		n.registry.AddTarget(spec)
	}

	return n, nil
}

// Addr is the bound listener address, useful when configured with port 0.
func (n *Node) Addr() string {
	return n.listener.Addr().String()
}

// Start begins serving inbound links and kicks off the first election.
// Returns once the node is running; errors from the accept loop after
// shutdown are swallowed.
func (n *Node) Start() {
	n.registry.Start()

	go func() {
		if err := n.server.Serve(n.listener); err != nil && err != http.ErrServerClosed {
			n.logger.Error("mesh listener failed", "error", err)
		}
	}()

	n.logger.Info("mesh node listening", "addr", n.Addr(),
		"peers", len(n.cfg.Mesh.Peers))
	n.elector.Bootstrap()
}

// AddPeer starts dialing an endpoint discovered after startup.
func (n *Node) AddPeer(spec PeerSpec) {
	n.registry.AddTarget(spec)
}

// Publish broadcasts an application payload to every connected peer, stamped
// with the current term.
func (n *Node) Publish(payload any) error {
	env, err := wire.New(n.ID, wire.KindAppPayload, n.elector.Term(), payload)
	if err != nil {
		return err
	}
	n.registry.Broadcast(env)
	return nil
}

// Subscribe returns a channel of application payload envelopes received from
// the mesh. The subscription ends when ctx is cancelled.
func (n *Node) Subscribe(ctx context.Context) (<-chan wire.Envelope, string) {
	return n.events.Subscribe(ctx)
}

// Leader reports the current election outcome.
func (n *Node) Leader() Fact {
	n.factMu.RLock()
	defer n.factMu.RUnlock()
	return n.fact
}

// Peers reports the registry's view of every known peer.
func (n *Node) Peers() []PeerStatus {
	return n.registry.Snapshot()
}

func (n *Node) publishFact(fact Fact) {
	n.factMu.Lock()
	n.fact = fact
	n.factMu.Unlock()
}

// Close shuts the node down: coordinator first so timers stop firing, then
// the registry and listener.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.elector.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.server.Shutdown(ctx)

		n.registry.Close()
		n.events.Close()
	})
}

func (n *Node) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "agent_id": n.ID})
}

// statusResponse is the shape served at /status.
type statusResponse struct {
	AgentID string       `json:"agent_id"`
	Leader  Fact         `json:"leader"`
	Peers   []PeerStatus `json:"peers"`
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		AgentID: n.ID,
		Leader:  n.Leader(),
		Peers:   n.Peers(),
	})
}
