// ABOUTME: Tests for the envelope contract and NDJSON framing.
// ABOUTME: Covers kind parsing, field round-trips, and decoder fault handling.

package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	t.Run("accepts every contract kind", func(t *testing.T) {
		for _, s := range []string{"heartbeat", "election_request", "vote", "election_result", "app_payload"} {
			k, err := ParseKind(s)
			require.NoError(t, err)
			assert.Equal(t, Kind(s), k)
		}
	})

	t.Run("rejects unknown kinds", func(t *testing.T) {
		_, err := ParseKind("gossip")
		assert.Error(t, err)
	})
}

func TestEnvelopeFields(t *testing.T) {
	env, err := New("agent-1", KindVote, 7, Vote{Candidate: "agent-2"})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	// The wire contract fixes the field names exactly.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"sender", "kind", "term", "payload", "sent_at"} {
		assert.Contains(t, raw, field)
	}
	assert.Len(t, raw, 5)
}

func TestEnvelopeValidate(t *testing.T) {
	base := Envelope{Sender: "agent-1", Kind: KindHeartbeat, SentAt: time.Now()}

	t.Run("valid envelope passes", func(t *testing.T) {
		assert.NoError(t, base.Validate())
	})

	t.Run("missing sender fails", func(t *testing.T) {
		env := base
		env.Sender = ""
		assert.Error(t, env.Validate())
	})

	t.Run("unknown kind fails", func(t *testing.T) {
		env := base
		env.Kind = "unknown"
		assert.Error(t, env.Validate())
	})

	t.Run("zero sent_at fails", func(t *testing.T) {
		env := base
		env.SentAt = time.Time{}
		assert.Error(t, env.Validate())
	})
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	first, err := New("agent-1", KindElectionRequest, 3, ElectionRequest{RequestID: "r1", Candidate: "agent-1"})
	require.NoError(t, err)
	second, err := New("agent-2", KindHeartbeat, 3, nil)
	require.NoError(t, err)

	require.NoError(t, enc.Encode(first))
	require.NoError(t, enc.Encode(second))

	dec := NewDecoder(&buf)

	got, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.Sender)
	assert.Equal(t, KindElectionRequest, got.Kind)
	assert.Equal(t, uint64(3), got.Term)

	var req ElectionRequest
	require.NoError(t, got.DecodePayload(&req))
	assert.Equal(t, "agent-1", req.Candidate)

	got, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, got.Kind)

	_, err = dec.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	input := "\n" + `{"sender":"a","kind":"heartbeat","term":1,"sent_at":"2026-01-02T15:04:05Z"}` + "\n\n"
	dec := NewDecoder(strings.NewReader(input))

	env, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "a", env.Sender)

	_, err = dec.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderMalformedFrame(t *testing.T) {
	input := "{not json}\n" + `{"sender":"a","kind":"heartbeat","term":1,"sent_at":"2026-01-02T15:04:05Z"}` + "\n"
	dec := NewDecoder(strings.NewReader(input))

	_, err := dec.Decode()
	assert.ErrorIs(t, err, ErrMalformedFrame)

	// The decoder stays usable after a malformed frame.
	env, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "a", env.Sender)
}

func TestDecoderOversizedFrame(t *testing.T) {
	line := `{"sender":"a","kind":"app_payload","term":1,"payload":"` +
		strings.Repeat("x", MaxFrameBytes) + `","sent_at":"2026-01-02T15:04:05Z"}`
	dec := NewDecoder(strings.NewReader(line + "\n"))
	_, err := dec.Decode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
