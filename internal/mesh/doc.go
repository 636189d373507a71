// Package mesh implements the peer coordination layer: a full mesh of
// authenticated bidirectional links carrying JSON envelopes, heartbeat-based
// liveness, automatic reconnection, and a leader election coordinator.
//
// Every agent runs a Node. The Node listens for inbound links and dials every
// configured peer; once links settle, the election coordinator decides a
// leader — by commit-reveal coin flip between two agents, by majority vote
// among more — and publishes the outcome as a single fact. Application
// payloads ride the same links as opaque envelopes.
package mesh
