// ABOUTME: Optional etcd-backed peer discovery for the mesh.
// ABOUTME: Registers this agent under a lease and watches the prefix for peers.

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	dialTimeout = 5 * time.Second
	// leaseTTL is how long a registration outlives its keepalive stream.
	// Long enough to ride out a brief etcd hiccup, short enough that a
	// crashed agent disappears from the prefix quickly.
	leaseTTL = 15
)

// Peer is one registered agent: its identity and its mesh endpoint URL.
type Peer struct {
	ID   string
	Addr string
}

// Event reports a change under the discovery prefix.
type Event struct {
	Peer    Peer
	Removed bool
}

// Registry registers this agent in etcd and surfaces the other agents
// registered under the same prefix. Discovery is additive to the static peer
// list: agents found here are dialed exactly like configured ones.
type Registry struct {
	cli    *clientv3.Client
	prefix string
	logger *slog.Logger

	leaseID clientv3.LeaseID
}

// New connects to etcd. The prefix is where agents register, one key per
// agent: <prefix>/<agent-id> -> <mesh URL>.
func New(endpoints []string, prefix string, logger *slog.Logger) (*Registry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return &Registry{
		cli:    cli,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger.With("component", "discovery"),
	}, nil
}

func (r *Registry) key(id string) string {
	return r.prefix + "/" + id
}

// peerFromKV maps one stored key/value pair to a Peer. The agent id is the
// last path segment of the key; the value is the advertised mesh URL.
func peerFromKV(key, value []byte) Peer {
	return Peer{ID: path.Base(string(key)), Addr: string(value)}
}

// Register writes this agent's endpoint under a lease and keeps the lease
// alive until ctx is cancelled. When the keepalive stream drains (etcd away
// too long, or shutdown) the key expires on its own.
func (r *Registry) Register(ctx context.Context, id, addr string) error {
	lease, err := r.cli.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}
	r.leaseID = lease.ID

	if _, err := r.cli.Put(ctx, r.key(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}

	keepalive, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("starting lease keepalive: %w", err)
	}

	go func() {
		for range keepalive {
			// Drain keepalive responses until the channel closes.
		}
		r.logger.Info("discovery lease keepalive ended", "agent_id", id)
	}()

	r.logger.Info("registered in discovery", "agent_id", id, "addr", addr, "prefix", r.prefix)
	return nil
}

// Peers lists the agents currently registered under the prefix, excluding
// selfID.
func (r *Registry) Peers(ctx context.Context, selfID string) ([]Peer, error) {
	resp, err := r.cli.Get(ctx, r.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}

	var peers []Peer
	for _, kv := range resp.Kvs {
		p := peerFromKV(kv.Key, kv.Value)
		if p.ID == selfID {
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// Watch streams membership changes under the prefix until ctx is cancelled.
// The returned channel is closed when the watch ends.
func (r *Registry) Watch(ctx context.Context, selfID string) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)
		watch := r.cli.Watch(ctx, r.prefix+"/", clientv3.WithPrefix())
		for resp := range watch {
			if err := resp.Err(); err != nil {
				r.logger.Warn("discovery watch error", "error", err)
				return
			}
			for _, ev := range resp.Events {
				p := peerFromKV(ev.Kv.Key, ev.Kv.Value)
				if p.ID == selfID {
					continue
				}
				out := Event{
					Peer:    p,
					Removed: ev.Type == clientv3.EventTypeDelete,
				}
				select {
				case events <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}

// Deregister revokes the lease so the key disappears immediately instead of
// waiting out the TTL. Safe to call when Register was never called.
func (r *Registry) Deregister(ctx context.Context) error {
	if r.leaseID == 0 {
		return nil
	}
	if _, err := r.cli.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("revoking lease: %w", err)
	}
	return nil
}

// Close releases the etcd client.
func (r *Registry) Close() error {
	return r.cli.Close()
}
