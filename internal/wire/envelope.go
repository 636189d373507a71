// ABOUTME: Wire-level message envelope shared by all mesh peers.
// ABOUTME: Defines the envelope kinds and the payload shapes for election traffic.

package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies what an envelope carries. The set is fixed by the wire
// contract; unknown kinds are rejected at decode time.
type Kind string

const (
	KindHeartbeat       Kind = "heartbeat"
	KindElectionRequest Kind = "election_request"
	KindVote            Kind = "vote"
	KindElectionResult  Kind = "election_result"
	KindAppPayload      Kind = "app_payload"
)

// ParseKind validates a kind string from the wire.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindHeartbeat, KindElectionRequest, KindVote, KindElectionResult, KindAppPayload:
		return k, nil
	default:
		return "", fmt.Errorf("unknown envelope kind %q", s)
	}
}

// Envelope is the unit exchanged between peers. The field set is part of the
// wire contract and must not grow: election metadata (phases, candidates,
// request ids) travels inside Payload.
type Envelope struct {
	Sender  string          `json:"sender"`
	Kind    Kind            `json:"kind"`
	Term    uint64          `json:"term"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// New builds an envelope stamped with the current time.
func New(sender string, kind Kind, term uint64, payload any) (Envelope, error) {
	env := Envelope{
		Sender: sender,
		Kind:   kind,
		Term:   term,
		SentAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Validate checks the structural invariants a received envelope must hold.
func (e Envelope) Validate() error {
	if e.Sender == "" {
		return fmt.Errorf("envelope missing sender")
	}
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if e.SentAt.IsZero() {
		return fmt.Errorf("envelope missing sent_at")
	}
	return nil
}

// Election payload shapes. Coin-flip phases reuse the fixed envelope kinds:
// a commit rides in an election_request, a reveal rides in a vote.

// ElectionRequest announces a candidacy (vote protocol) or a coin-flip
// commitment (two-node protocol, Phase "commit").
type ElectionRequest struct {
	RequestID  string `json:"request_id"`
	Candidate  string `json:"candidate,omitempty"`
	Phase      string `json:"phase,omitempty"`
	Commitment string `json:"commitment,omitempty"`
}

// Vote carries a single vote for a candidate, or a coin-flip reveal
// (Phase "reveal") in the two-node protocol.
type Vote struct {
	RequestID string `json:"request_id,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Value     uint64 `json:"value,omitempty"`
}

// ElectionResult announces the decided leader for a term.
type ElectionResult struct {
	Leader string `json:"leader"`
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope from %s has no payload", e.Kind, e.Sender)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload from %s: %w", e.Kind, e.Sender, err)
	}
	return nil
}
