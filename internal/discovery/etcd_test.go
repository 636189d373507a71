// ABOUTME: Tests for etcd-backed peer discovery
// ABOUTME: Covers key layout, KV mapping, and lifecycle without a live server

package discovery

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRegistry builds a registry against an endpoint nothing listens on.
// The etcd client connects lazily, so construction and local bookkeeping work
// without a server.
func newTestRegistry(t *testing.T, prefix string) *Registry {
	t.Helper()
	r, err := New([]string{"127.0.0.1:1"}, prefix, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestKeyLayout(t *testing.T) {
	t.Run("plain prefix", func(t *testing.T) {
		r := newTestRegistry(t, "/coven/mesh")
		assert.Equal(t, "/coven/mesh/agent-1", r.key("agent-1"))
	})

	t.Run("trailing slash trimmed", func(t *testing.T) {
		r := newTestRegistry(t, "/coven/mesh/")
		assert.Equal(t, "/coven/mesh/agent-1", r.key("agent-1"))
	})
}

func TestPeerFromKV(t *testing.T) {
	p := peerFromKV([]byte("/coven/mesh/agent-2"), []byte("mesh://10.0.0.2:7466"))
	assert.Equal(t, "agent-2", p.ID)
	assert.Equal(t, "mesh://10.0.0.2:7466", p.Addr)
}

func TestDeregisterWithoutRegister(t *testing.T) {
	r := newTestRegistry(t, "/coven/mesh")
	assert.NoError(t, r.Deregister(context.Background()))
}
