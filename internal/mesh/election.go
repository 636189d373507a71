// ABOUTME: Leader election coordinator: majority vote, two-agent coin flip,
// ABOUTME: term bookkeeping, retries, and sole-leader fallback.

package mesh

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mesh/internal/telemetry"
	"github.com/2389/coven-mesh/internal/wire"
)

// Phase is the coordinator's position in the election state machine:
// Idle -> Voting|CoinFlip -> Decided, re-entered on leader loss with the
// term incremented.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseVoting
	PhaseCoinFlip
	PhaseDecided
)

func (p Phase) String() string {
	switch p {
	case PhaseVoting:
		return "voting"
	case PhaseCoinFlip:
		return "coin_flip"
	case PhaseDecided:
		return "decided"
	default:
		return "idle"
	}
}

const (
	// voteGatherDelay is how long a node waits after proposing itself
	// before casting its single vote, so candidacies from slower peers are
	// not missed in the common case.
	voteGatherDelay = 500 * time.Millisecond

	// Retry after an abandoned round waits a short jittered delay so two
	// nodes that timed out together do not collide again immediately.
	retryDelayBase   = 200 * time.Millisecond
	retryDelayJitter = 300 * time.Millisecond
)

// coinFlipPhase values used inside election payloads.
const (
	phaseCommit = "commit"
	phaseReveal = "reveal"
)

// flipState is the in-flight state of one coin-flip round.
type flipState struct {
	peerID       string
	value        uint64
	peerCommit   string
	peerValue    uint64
	peerRevealed bool
}

// Fact is the election outcome published to the rest of the application.
type Fact struct {
	Term   uint64 `json:"term"`
	Leader string `json:"leader"`
	IsSelf bool   `json:"is_self"`
	Phase  string `json:"phase"`
}

// membership is the view of the mesh the coordinator works against.
type membership interface {
	Broadcast(wire.Envelope)
	ConnectedIDs() []string
	ClusterSize() int
}

// Elector runs the leader election protocol on top of the registry. With
// exactly two reachable agents it uses a commit-reveal coin flip; with more
// it runs a majority vote; alone past the startup grace it proceeds as sole
// leader of a one-node mesh.
type Elector struct {
	selfID       string
	reg          membership
	stepTimeout  time.Duration
	startupGrace time.Duration
	logger       *slog.Logger

	// onLeadership fires outside the mutex whenever a term reaches Decided.
	onLeadership func(Fact)

	mu     sync.Mutex
	phase  Phase
	term   uint64
	leader string

	// vote protocol state for the current term
	candidates map[string]bool
	votes      map[string]string
	voteCast   bool

	// coin flip state for the current term
	flip *flipState

	// resultAnnouncer tie-breaks conflicting ElectionResults at one term.
	resultAnnouncer string

	startedAt   time.Time
	stepTimer   *time.Timer
	gatherTimer *time.Timer
	quorumTimer *time.Timer
	closed      bool
}

// NewElector creates a coordinator. onLeadership may be nil.
func NewElector(selfID string, reg membership, stepTimeout, startupGrace time.Duration, onLeadership func(Fact), logger *slog.Logger) *Elector {
	if onLeadership == nil {
		onLeadership = func(Fact) {}
	}
	return &Elector{
		selfID:       selfID,
		reg:          reg,
		stepTimeout:  stepTimeout,
		startupGrace: startupGrace,
		logger:       logger.With("component", "election"),
		onLeadership: onLeadership,
		candidates:   make(map[string]bool),
		votes:        make(map[string]string),
	}
}

// Term returns the current term, for stamping heartbeats.
func (e *Elector) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// Current reports the election outcome as currently known.
func (e *Elector) Current() Fact {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Fact{
		Term:   e.term,
		Leader: e.leader,
		IsSelf: e.leader == e.selfID,
		Phase:  e.phase.String(),
	}
}

// Bootstrap triggers the first election. Alone, the node arms the startup
// grace timer and claims sole leadership if nobody shows up. A node that has
// already joined a round started by a peer leaves it undisturbed.
func (e *Elector) Bootstrap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseIdle {
		return
	}
	e.startRoundLocked(e.term + 1)
}

// Close stops all pending timers.
func (e *Elector) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stopTimersLocked()
}

func (e *Elector) stopTimersLocked() {
	for _, t := range []*time.Timer{e.stepTimer, e.gatherTimer, e.quorumTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// startRoundLocked begins a round at the given term, choosing the protocol
// from the connected set. Caller holds the mutex.
func (e *Elector) startRoundLocked(term uint64) {
	if e.closed {
		return
	}
	// Terms never move backwards, and a round already in flight at this
	// term is never restarted. A strictly higher term always preempts:
	// that is how a node joins a round a peer started after timing out.
	if term < e.term {
		return
	}
	if term == e.term && e.phase != PhaseIdle {
		return
	}

	e.stopTimersLocked()
	e.term = term
	e.leader = ""
	e.resultAnnouncer = ""
	e.candidates = map[string]bool{e.selfID: true}
	e.votes = make(map[string]string)
	e.voteCast = false
	e.flip = nil
	e.startedAt = time.Now()
	telemetry.ElectionsStarted.Inc()

	peers := e.reg.ConnectedIDs()
	switch len(peers) {
	case 0:
		e.phase = PhaseIdle
		e.armQuorumTimerLocked(term)
	case 1:
		e.startFlipLocked(term, peers[0])
	default:
		e.startVoteLocked(term)
	}
}

// armQuorumTimerLocked waits out the startup grace for a first peer. If the
// mesh is still empty when it fires, the node proceeds as sole leader.
func (e *Elector) armQuorumTimerLocked(term uint64) {
	e.logger.Info("no peers reachable, waiting for quorum", "term", term,
		"grace", e.startupGrace)
	e.quorumTimer = time.AfterFunc(e.startupGrace, func() {
		e.mu.Lock()
		if e.closed || e.term != term || e.phase != PhaseIdle {
			e.mu.Unlock()
			return
		}
		if e.reg.ClusterSize() > 1 {
			e.mu.Unlock()
			return
		}
		e.logger.Warn("quorum timeout, proceeding as sole leader", "term", term)
		// A sole leader is its own announcer: when two partitioned sole
		// leaders merge at the same term, the higher id must keep its claim
		// and the lower id must adopt it.
		e.resultAnnouncer = e.selfID
		fact := e.decideLocked(e.selfID, "sole_leader")
		e.mu.Unlock()
		e.onLeadership(fact)
	})
}

// startVoteLocked begins a majority vote round. Caller holds the mutex.
func (e *Elector) startVoteLocked(term uint64) {
	e.phase = PhaseVoting
	e.logger.Info("starting vote", "term", term, "cluster_size", e.reg.ClusterSize())

	req := wire.ElectionRequest{RequestID: uuid.New().String(), Candidate: e.selfID}
	e.broadcastLocked(wire.KindElectionRequest, term, req)

	e.gatherTimer = time.AfterFunc(voteGatherDelay, func() {
		e.castVote(term)
	})
	e.armStepTimerLocked(term)
}

// castVote casts this node's single vote for the lowest-id candidate seen.
func (e *Elector) castVote(term uint64) {
	e.mu.Lock()
	if e.closed || e.term != term || e.phase != PhaseVoting || e.voteCast {
		e.mu.Unlock()
		return
	}
	choice := e.selfID
	for id := range e.candidates {
		if id < choice {
			choice = id
		}
	}
	e.voteCast = true
	e.votes[e.selfID] = choice

	vote := wire.Vote{Candidate: choice}
	e.broadcastLocked(wire.KindVote, term, vote)
	e.logger.Debug("vote cast", "term", term, "candidate", choice)

	fact, decided := e.tallyLocked(term)
	e.mu.Unlock()
	if decided {
		e.onLeadership(fact)
	}
}

// startFlipLocked begins a commit-reveal coin flip with the single reachable
// peer. Caller holds the mutex.
func (e *Elector) startFlipLocked(term uint64, peerID string) {
	value, err := drawFlipValue()
	if err != nil {
		// Without randomness the flip cannot be fair; fall back to the
		// deterministic ordering both sides agree on.
		e.logger.Error("drawing flip value failed", "error", err)
		value = 0
	}

	e.phase = PhaseCoinFlip
	e.flip = &flipState{peerID: peerID, value: value}
	e.logger.Info("starting coin flip", "term", term, "peer_id", peerID)

	req := wire.ElectionRequest{
		RequestID:  uuid.New().String(),
		Phase:      phaseCommit,
		Commitment: flipCommitment(term, value),
	}
	e.broadcastLocked(wire.KindElectionRequest, term, req)
	e.armStepTimerLocked(term)
}

// armStepTimerLocked abandons the round and retries with a fresh term if it
// has not decided within the step timeout. Caller holds the mutex.
func (e *Elector) armStepTimerLocked(term uint64) {
	e.stepTimer = time.AfterFunc(e.stepTimeout, func() {
		e.mu.Lock()
		if e.closed || e.term != term || e.phase == PhaseDecided {
			e.mu.Unlock()
			return
		}
		e.logger.Warn("election step timed out, retrying", "term", term,
			"phase", e.phase.String())
		e.phase = PhaseIdle
		e.mu.Unlock()
		e.retryAfterDelay(term + 1)
	})
}

// retryAfterDelay schedules a fresh round after a short jittered delay. The
// retry is abandoned if the election decided in the meantime, for example by
// adopting a peer's result.
func (e *Elector) retryAfterDelay(term uint64) {
	delay := retryDelayBase + time.Duration(rand.Int64N(int64(retryDelayJitter)))
	time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.phase == PhaseDecided {
			return
		}
		e.startRoundLocked(term)
	})
}

// broadcastLocked builds and broadcasts a coordination envelope. The
// registry send path never blocks, so holding the mutex here is safe.
func (e *Elector) broadcastLocked(kind wire.Kind, term uint64, payload any) {
	env, err := wire.New(e.selfID, kind, term, payload)
	if err != nil {
		e.logger.Error("building envelope failed", "kind", string(kind), "error", err)
		return
	}
	e.reg.Broadcast(env)
}

// decideLocked finalizes a term. Caller holds the mutex and delivers the
// returned fact to onLeadership after unlocking.
func (e *Elector) decideLocked(leader, outcome string) Fact {
	e.stopTimersLocked()
	e.phase = PhaseDecided
	e.leader = leader

	telemetry.ElectionsDecided.WithLabelValues(outcome).Inc()
	telemetry.ElectionDuration.Observe(time.Since(e.startedAt).Seconds())

	e.logger.Info("election decided",
		"term", e.term,
		"leader", leader,
		"is_self", leader == e.selfID,
		"outcome", outcome)

	return Fact{Term: e.term, Leader: leader, IsSelf: leader == e.selfID, Phase: e.phase.String()}
}

// PeerUp is called by the registry when a peer connects.
func (e *Elector) PeerUp(peerID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	switch e.phase {
	case PhaseIdle:
		// Either waiting out the startup grace or between retries.
		term := e.term + 1
		e.startRoundLocked(term)
		e.mu.Unlock()
	case PhaseDecided:
		if e.leader == e.selfID {
			// Tell the newcomer who leads. If it was a sole leader too,
			// the higher-id announcement wins on both sides.
			e.resultAnnouncer = e.selfID
			e.broadcastLocked(wire.KindElectionResult, e.term,
				wire.ElectionResult{Leader: e.selfID})
		}
		e.mu.Unlock()
	default:
		e.mu.Unlock()
	}
}

// PeerDown is called by the registry when a peer disconnects. Losing the
// leader restarts the protocol at the next term.
func (e *Elector) PeerDown(peerID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	if e.phase == PhaseDecided && peerID == e.leader {
		e.logger.Warn("leader lost", "leader", peerID, "term", e.term)
		term := e.term + 1
		e.phase = PhaseIdle
		e.leader = ""
		e.startRoundLocked(term)
		e.mu.Unlock()
		return
	}

	if (e.phase == PhaseVoting || e.phase == PhaseCoinFlip) && e.reg.ClusterSize() == 1 {
		// The round lost its last participant; the step timer would catch
		// this eventually, but there is no reason to wait.
		term := e.term + 1
		e.phase = PhaseIdle
		e.startRoundLocked(term)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
}

// HandleEnvelope consumes coordination traffic routed by the registry. The
// registry has already deduplicated and stale-term-filtered it.
func (e *Elector) HandleEnvelope(env wire.Envelope) {
	switch env.Kind {
	case wire.KindElectionRequest:
		e.handleRequest(env)
	case wire.KindVote:
		e.handleVote(env)
	case wire.KindElectionResult:
		e.handleResult(env)
	case wire.KindHeartbeat:
		// Liveness is tracked by the registry; nothing to do here.
	}
}

func (e *Elector) handleRequest(env wire.Envelope) {
	var req wire.ElectionRequest
	if err := env.DecodePayload(&req); err != nil {
		e.logger.Warn("bad election request", "error", err)
		return
	}

	e.mu.Lock()

	// A request for a later term means a peer started a round we have not
	// seen; join it.
	if env.Term > e.term {
		e.startRoundLocked(env.Term)
	}
	if env.Term != e.term || e.closed {
		e.mu.Unlock()
		return
	}

	switch {
	case req.Phase == phaseCommit:
		if e.phase != PhaseCoinFlip || e.flip == nil || e.flip.peerID != env.Sender {
			e.mu.Unlock()
			return
		}
		if e.flip.peerCommit != "" {
			e.mu.Unlock()
			return
		}
		e.flip.peerCommit = req.Commitment
		// Both commitments are now out; reveal. The peer's reveal may have
		// arrived first, so the flip can finish (or mismatch) right here.
		reveal := wire.Vote{Phase: phaseReveal, Value: e.flip.value}
		e.broadcastLocked(wire.KindVote, e.term, reveal)
		fact, decided := e.maybeFinishFlipLocked()
		var retryTerm uint64
		if !decided && e.phase == PhaseIdle {
			// Commitment mismatch path: retry with a fresh term.
			retryTerm = e.term + 1
		}
		e.mu.Unlock()
		if decided {
			e.onLeadership(fact)
		} else if retryTerm != 0 {
			e.retryAfterDelay(retryTerm)
		}

	case e.phase == PhaseVoting && req.Candidate != "":
		e.candidates[req.Candidate] = true
		e.mu.Unlock()

	default:
		e.mu.Unlock()
	}
}

func (e *Elector) handleVote(env wire.Envelope) {
	var vote wire.Vote
	if err := env.DecodePayload(&vote); err != nil {
		e.logger.Warn("bad vote", "error", err)
		return
	}

	e.mu.Lock()
	if e.closed || env.Term != e.term {
		e.mu.Unlock()
		return
	}

	if vote.Phase == phaseReveal {
		if e.phase != PhaseCoinFlip || e.flip == nil || e.flip.peerID != env.Sender {
			e.mu.Unlock()
			return
		}
		e.flip.peerValue = vote.Value
		e.flip.peerRevealed = true
		fact, decided := e.maybeFinishFlipLocked()
		var retryTerm uint64
		if !decided && e.phase == PhaseIdle {
			// Commitment mismatch path: retry with a fresh term.
			retryTerm = e.term + 1
		}
		e.mu.Unlock()
		if decided {
			e.onLeadership(fact)
		} else if retryTerm != 0 {
			e.retryAfterDelay(retryTerm)
		}
		return
	}

	if e.phase != PhaseVoting || vote.Candidate == "" {
		e.mu.Unlock()
		return
	}
	e.votes[env.Sender] = vote.Candidate
	fact, decided := e.tallyLocked(env.Term)
	e.mu.Unlock()
	if decided {
		e.onLeadership(fact)
	}
}

// maybeFinishFlipLocked completes the coin flip once both the peer's
// commitment and reveal are in. A reveal that does not match its commitment
// is a protocol fault: the round is dropped and the phase reset so the
// caller retries with a fresh term. Caller holds the mutex.
func (e *Elector) maybeFinishFlipLocked() (Fact, bool) {
	f := e.flip
	if f == nil || f.peerCommit == "" || !f.peerRevealed {
		return Fact{}, false
	}

	if !verifyFlipReveal(e.term, f.peerValue, f.peerCommit) {
		e.logger.Warn("coin flip reveal does not match commitment, retrying",
			"term", e.term, "peer_id", f.peerID)
		e.stopTimersLocked()
		e.phase = PhaseIdle
		e.flip = nil
		return Fact{}, false
	}

	winner := flipWinner(e.selfID, f.peerID, f.value^f.peerValue)
	outcome := "lost"
	if winner == e.selfID {
		outcome = "won"
		e.resultAnnouncer = e.selfID
		e.broadcastLocked(wire.KindElectionResult, e.term,
			wire.ElectionResult{Leader: winner})
	}
	return e.decideLocked(winner, outcome), true
}

// tallyLocked checks whether votes from a strict majority of the connected
// set (self included) are in and, if so, decides. The winner is the
// candidate with the most votes, ties broken by lowest id. Only the winner
// announces; everyone else waits for the ElectionResult or the step timeout.
// Caller holds the mutex.
func (e *Elector) tallyLocked(term uint64) (Fact, bool) {
	cluster := e.reg.ClusterSize()
	majority := cluster/2 + 1
	if len(e.votes) < majority {
		return Fact{}, false
	}

	counts := make(map[string]int)
	for _, candidate := range e.votes {
		counts[candidate]++
	}
	winner := ""
	best := 0
	for candidate, n := range counts {
		if n > best || (n == best && candidate < winner) {
			winner = candidate
			best = n
		}
	}

	if winner != e.selfID {
		// Not ours to announce. Decided arrives as an ElectionResult.
		return Fact{}, false
	}

	e.resultAnnouncer = e.selfID
	e.broadcastLocked(wire.KindElectionResult, term,
		wire.ElectionResult{Leader: winner})
	return e.decideLocked(winner, "won"), true
}

func (e *Elector) handleResult(env wire.Envelope) {
	var result wire.ElectionResult
	if err := env.DecodePayload(&result); err != nil {
		e.logger.Warn("bad election result", "error", err)
		return
	}

	e.mu.Lock()
	if e.closed || env.Term < e.term {
		e.mu.Unlock()
		return
	}

	// Conflicting results at the same decided term: the higher announcing
	// id wins, deterministically on every node.
	if e.phase == PhaseDecided && env.Term == e.term {
		if e.resultAnnouncer != "" && env.Sender <= e.resultAnnouncer {
			e.mu.Unlock()
			return
		}
		if result.Leader == e.leader {
			e.resultAnnouncer = env.Sender
			e.mu.Unlock()
			return
		}
	}

	e.term = env.Term
	e.resultAnnouncer = env.Sender
	outcome := "adopted"
	if result.Leader == e.selfID {
		outcome = "won"
	}
	fact := e.decideLocked(result.Leader, outcome)
	e.mu.Unlock()
	e.onLeadership(fact)
}
