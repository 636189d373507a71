// Package logmux merges per-agent line streams into one readable combined
// stream. Lines from a single agent keep their order; consecutive lines from
// the same agent are grouped into bursts before the output switches to
// another agent, and a maximum hold time guarantees no line waits
// indefinitely for a burst to complete.
package logmux
