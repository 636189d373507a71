// Package dedupe filters redundant mesh traffic.
//
// It provides two small pieces: a TTL fingerprint cache that suppresses
// envelopes delivered twice while a peer pair resolves a duplicate link, and
// a per-sender term tracker that drops coordination messages from abandoned
// election rounds.
package dedupe
