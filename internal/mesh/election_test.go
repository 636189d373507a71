// ABOUTME: Tests for the election coordinator driven through a fake mesh
// ABOUTME: Covers votes, coin flips, adoption, stale terms, and sole leadership

package mesh

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/wire"
)

// fakeMesh implements membership and records everything broadcast.
type fakeMesh struct {
	mu        sync.Mutex
	connected []string
	sent      []wire.Envelope
}

func (f *fakeMesh) Broadcast(env wire.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
}

func (f *fakeMesh) ConnectedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connected...)
}

func (f *fakeMesh) ClusterSize() int {
	return len(f.ConnectedIDs()) + 1
}

func (f *fakeMesh) setConnected(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = ids
}

func (f *fakeMesh) sentOfKind(kind wire.Kind) []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Envelope
	for _, env := range f.sent {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// factRecorder captures leadership facts as they are published.
type factRecorder struct {
	mu    sync.Mutex
	facts []Fact
}

func (r *factRecorder) record(f Fact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facts = append(r.facts, f)
}

func (r *factRecorder) last() (Fact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.facts) == 0 {
		return Fact{}, false
	}
	return r.facts[len(r.facts)-1], true
}

func waitForFact(t *testing.T, r *factRecorder, timeout time.Duration) Fact {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f, ok := r.last(); ok {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leadership fact published before timeout")
	return Fact{}
}

func newTestElector(t *testing.T, selfID string, mesh *fakeMesh, rec *factRecorder) *Elector {
	t.Helper()
	e := NewElector(selfID, mesh, 2*time.Second, 50*time.Millisecond, rec.record, slog.Default())
	t.Cleanup(e.Close)
	return e
}

func mustEnvelope(t *testing.T, sender string, kind wire.Kind, term uint64, payload any) wire.Envelope {
	t.Helper()
	env, err := wire.New(sender, kind, term, payload)
	require.NoError(t, err)
	return env
}

func TestVoteElectsLowestIDWithMajority(t *testing.T) {
	mesh := &fakeMesh{}
	mesh.setConnected("agent-b", "agent-c")
	rec := &factRecorder{}
	e := newTestElector(t, "agent-a", mesh, rec)

	e.Bootstrap()

	// Bootstrap proposes self for term 1.
	reqs := mesh.sentOfKind(wire.KindElectionRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint64(1), reqs[0].Term)

	// Both peers also propose themselves and vote for the lowest id.
	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindElectionRequest, 1,
		wire.ElectionRequest{RequestID: "r-b", Candidate: "agent-b"}))
	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindVote, 1,
		wire.Vote{Candidate: "agent-a"}))
	e.HandleEnvelope(mustEnvelope(t, "agent-c", wire.KindVote, 1,
		wire.Vote{Candidate: "agent-a"}))

	fact := waitForFact(t, rec, time.Second)
	assert.Equal(t, "agent-a", fact.Leader)
	assert.True(t, fact.IsSelf)
	assert.Equal(t, uint64(1), fact.Term)

	// The winner announces the result.
	results := mesh.sentOfKind(wire.KindElectionResult)
	require.Len(t, results, 1)
	var result wire.ElectionResult
	require.NoError(t, results[0].DecodePayload(&result))
	assert.Equal(t, "agent-a", result.Leader)
}

func TestVoteLoserWaitsForResult(t *testing.T) {
	mesh := &fakeMesh{}
	mesh.setConnected("agent-a", "agent-c")
	rec := &factRecorder{}
	e := newTestElector(t, "agent-b", mesh, rec)

	e.Bootstrap()
	e.HandleEnvelope(mustEnvelope(t, "agent-a", wire.KindElectionRequest, 1,
		wire.ElectionRequest{RequestID: "r-a", Candidate: "agent-a"}))
	e.HandleEnvelope(mustEnvelope(t, "agent-a", wire.KindVote, 1,
		wire.Vote{Candidate: "agent-a"}))
	e.HandleEnvelope(mustEnvelope(t, "agent-c", wire.KindVote, 1,
		wire.Vote{Candidate: "agent-a"}))

	// Majority for agent-a collected, but agent-b must not announce.
	assert.Empty(t, mesh.sentOfKind(wire.KindElectionResult))
	_, ok := rec.last()
	assert.False(t, ok, "loser should stay undecided until the result arrives")

	e.HandleEnvelope(mustEnvelope(t, "agent-a", wire.KindElectionResult, 1,
		wire.ElectionResult{Leader: "agent-a"}))

	fact := waitForFact(t, rec, time.Second)
	assert.Equal(t, "agent-a", fact.Leader)
	assert.False(t, fact.IsSelf)
}

func TestResultAdoptionForHigherTerm(t *testing.T) {
	mesh := &fakeMesh{}
	mesh.setConnected("agent-b", "agent-c")
	rec := &factRecorder{}
	e := newTestElector(t, "agent-a", mesh, rec)

	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindElectionResult, 5,
		wire.ElectionResult{Leader: "agent-b"}))

	fact := waitForFact(t, rec, time.Second)
	assert.Equal(t, "agent-b", fact.Leader)
	assert.Equal(t, uint64(5), fact.Term)
	assert.Equal(t, uint64(5), e.Term())
}

func TestStaleResultIgnored(t *testing.T) {
	mesh := &fakeMesh{}
	mesh.setConnected("agent-b", "agent-c")
	rec := &factRecorder{}
	e := newTestElector(t, "agent-a", mesh, rec)

	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindElectionResult, 5,
		wire.ElectionResult{Leader: "agent-b"}))
	waitForFact(t, rec, time.Second)

	e.HandleEnvelope(mustEnvelope(t, "agent-c", wire.KindElectionResult, 3,
		wire.ElectionResult{Leader: "agent-c"}))

	fact, _ := rec.last()
	assert.Equal(t, "agent-b", fact.Leader, "a result for an older term must not change the decision")
	assert.Equal(t, uint64(5), e.Term())
}

func TestConflictingResultsPreferHigherAnnouncer(t *testing.T) {
	mesh := &fakeMesh{}
	mesh.setConnected("agent-b", "agent-c")
	rec := &factRecorder{}
	e := newTestElector(t, "agent-a", mesh, rec)

	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindElectionResult, 4,
		wire.ElectionResult{Leader: "agent-b"}))
	waitForFact(t, rec, time.Second)

	// Same term, different leader, higher announcing id: adopted.
	e.HandleEnvelope(mustEnvelope(t, "agent-c", wire.KindElectionResult, 4,
		wire.ElectionResult{Leader: "agent-c"}))
	fact, _ := rec.last()
	assert.Equal(t, "agent-c", fact.Leader)

	// Same term, lower announcing id: ignored.
	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindElectionResult, 4,
		wire.ElectionResult{Leader: "agent-b"}))
	fact, _ = rec.last()
	assert.Equal(t, "agent-c", fact.Leader)
}

func TestCoinFlipAgreesBetweenTwoElectors(t *testing.T) {
	meshA := &fakeMesh{}
	meshA.setConnected("agent-b")
	meshB := &fakeMesh{}
	meshB.setConnected("agent-a")
	recA := &factRecorder{}
	recB := &factRecorder{}
	a := newTestElector(t, "agent-a", meshA, recA)
	b := newTestElector(t, "agent-b", meshB, recB)

	a.Bootstrap()
	b.Bootstrap()

	// Bridge the two fake meshes synchronously: repeatedly deliver anything
	// either side has broadcast and not yet delivered, until both decide.
	deliveredA, deliveredB := 0, 0
	for i := 0; i < 50; i++ {
		meshA.mu.Lock()
		pendingA := append([]wire.Envelope(nil), meshA.sent[deliveredA:]...)
		deliveredA = len(meshA.sent)
		meshA.mu.Unlock()
		for _, env := range pendingA {
			b.HandleEnvelope(env)
		}

		meshB.mu.Lock()
		pendingB := append([]wire.Envelope(nil), meshB.sent[deliveredB:]...)
		deliveredB = len(meshB.sent)
		meshB.mu.Unlock()
		for _, env := range pendingB {
			a.HandleEnvelope(env)
		}

		factA, okA := recA.last()
		factB, okB := recB.last()
		if okA && okB {
			assert.Equal(t, factA.Leader, factB.Leader, "both sides must agree on the winner")
			assert.Equal(t, factA.Term, factB.Term)
			assert.NotEqual(t, factA.IsSelf, factB.IsSelf, "exactly one side leads")
			return
		}
	}
	t.Fatal("coin flip did not decide on both sides")
}

func TestCoinFlipMismatchRetriesWithFreshTerm(t *testing.T) {
	mesh := &fakeMesh{}
	mesh.setConnected("agent-b")
	rec := &factRecorder{}
	e := newTestElector(t, "agent-a", mesh, rec)

	e.Bootstrap()
	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindElectionRequest, 1,
		wire.ElectionRequest{RequestID: "r-b", Phase: "commit",
			Commitment: flipCommitment(1, 42)}))

	// Reveal a value that does not hash to the commitment.
	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindVote, 1,
		wire.Vote{Phase: "reveal", Value: 43}))

	_, decided := rec.last()
	assert.False(t, decided, "a mismatched reveal must never pick a leader")

	// A fresh round at a higher term starts after the retry delay.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reqs := mesh.sentOfKind(wire.KindElectionRequest)
		if len(reqs) >= 2 && reqs[len(reqs)-1].Term > 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no retry round observed after commitment mismatch")
}

func TestCoinFlipMismatchWithEarlyRevealRetries(t *testing.T) {
	mesh := &fakeMesh{}
	mesh.setConnected("agent-b")
	rec := &factRecorder{}
	e := newTestElector(t, "agent-a", mesh, rec)

	e.Bootstrap()

	// The peer's reveal overtakes its commitment, so the flip completes the
	// moment the commitment lands.
	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindVote, 1,
		wire.Vote{Phase: "reveal", Value: 43}))
	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindElectionRequest, 1,
		wire.ElectionRequest{RequestID: "r-b", Phase: "commit",
			Commitment: flipCommitment(1, 42)}))

	_, decided := rec.last()
	assert.False(t, decided, "a mismatched reveal must never pick a leader")

	// A fresh round at a higher term starts after the retry delay.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reqs := mesh.sentOfKind(wire.KindElectionRequest)
		if len(reqs) >= 2 && reqs[len(reqs)-1].Term > 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no retry round observed after commitment mismatch")
}

func TestSoleLeadersMergeConvergeOnHigherID(t *testing.T) {
	meshA := &fakeMesh{}
	meshB := &fakeMesh{}
	recA := &factRecorder{}
	recB := &factRecorder{}
	a := newTestElector(t, "agent-a", meshA, recA)
	b := newTestElector(t, "agent-b", meshB, recB)

	// Both wait out the startup grace partitioned and claim sole leadership.
	a.Bootstrap()
	b.Bootstrap()
	factA := waitForFact(t, recA, time.Second)
	factB := waitForFact(t, recB, time.Second)
	require.True(t, factA.IsSelf)
	require.True(t, factB.IsSelf)
	require.Equal(t, factA.Term, factB.Term)

	// The partition heals: each side sees the other come up, announces its
	// claim, and the announcements cross.
	meshA.setConnected("agent-b")
	meshB.setConnected("agent-a")
	a.PeerUp("agent-b")
	b.PeerUp("agent-a")
	for _, env := range meshA.sentOfKind(wire.KindElectionResult) {
		b.HandleEnvelope(env)
	}
	for _, env := range meshB.sentOfKind(wire.KindElectionResult) {
		a.HandleEnvelope(env)
	}

	factA, _ = recA.last()
	factB, _ = recB.last()
	assert.Equal(t, "agent-b", factA.Leader, "the lower id adopts the higher id's claim")
	assert.Equal(t, "agent-b", factB.Leader, "the higher id keeps its claim")
	assert.False(t, factA.IsSelf)
	assert.True(t, factB.IsSelf)
	assert.Equal(t, factA.Term, factB.Term)
}

func TestSoleLeaderAfterQuorumTimeout(t *testing.T) {
	mesh := &fakeMesh{}
	rec := &factRecorder{}
	e := newTestElector(t, "agent-a", mesh, rec)

	e.Bootstrap()

	fact := waitForFact(t, rec, time.Second)
	assert.Equal(t, "agent-a", fact.Leader)
	assert.True(t, fact.IsSelf)
}

func TestLeaderLossRestartsWithHigherTerm(t *testing.T) {
	mesh := &fakeMesh{}
	mesh.setConnected("agent-b", "agent-c")
	rec := &factRecorder{}
	e := newTestElector(t, "agent-a", mesh, rec)

	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindElectionResult, 2,
		wire.ElectionResult{Leader: "agent-b"}))
	waitForFact(t, rec, time.Second)

	mesh.setConnected("agent-c")
	e.PeerDown("agent-b")

	// A new round at term 3 begins: with one peer left it is a coin flip.
	reqs := mesh.sentOfKind(wire.KindElectionRequest)
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	assert.Equal(t, uint64(3), last.Term)
	var req wire.ElectionRequest
	require.NoError(t, last.DecodePayload(&req))
	assert.Equal(t, "commit", req.Phase)
}

func TestNonLeaderLossDoesNotRestart(t *testing.T) {
	mesh := &fakeMesh{}
	mesh.setConnected("agent-b", "agent-c")
	rec := &factRecorder{}
	e := newTestElector(t, "agent-a", mesh, rec)

	e.HandleEnvelope(mustEnvelope(t, "agent-b", wire.KindElectionResult, 2,
		wire.ElectionResult{Leader: "agent-b"}))
	waitForFact(t, rec, time.Second)

	mesh.setConnected("agent-b")
	e.PeerDown("agent-c")

	assert.Equal(t, uint64(2), e.Term(), "losing a non-leader must not restart the election")
	fact, _ := rec.last()
	assert.Equal(t, "agent-b", fact.Leader)
}
