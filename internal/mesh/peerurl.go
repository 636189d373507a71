// ABOUTME: Parsing for mesh peer endpoint URLs.
// ABOUTME: Accepts "mesh://host:port" with an optional "id@" identity pin.

package mesh

import (
	"fmt"
	"net"
	"strings"
)

// PeerSpec is one configured peer endpoint. ID is empty unless the entry
// pinned an identity; when set, the handshake rejects a peer announcing a
// different id.
type PeerSpec struct {
	ID   string
	Addr string // host:port
}

// ParsePeerURL parses a peer entry of the form "mesh://host:port" or
// "id@mesh://host:port".
func ParsePeerURL(raw string) (PeerSpec, error) {
	var spec PeerSpec

	rest := raw
	if at := strings.Index(rest, "@"); at >= 0 {
		spec.ID = rest[:at]
		rest = rest[at+1:]
		if spec.ID == "" {
			return PeerSpec{}, fmt.Errorf("peer url %q: empty identity pin", raw)
		}
	}

	const scheme = "mesh://"
	if !strings.HasPrefix(rest, scheme) {
		return PeerSpec{}, fmt.Errorf("peer url %q: expected mesh:// scheme", raw)
	}
	spec.Addr = rest[len(scheme):]

	host, port, err := net.SplitHostPort(spec.Addr)
	if err != nil {
		return PeerSpec{}, fmt.Errorf("peer url %q: %w", raw, err)
	}
	if host == "" || port == "" {
		return PeerSpec{}, fmt.Errorf("peer url %q: missing host or port", raw)
	}

	return spec, nil
}

// ParsePeerURLs parses a configured peer list, rejecting the first bad entry.
func ParsePeerURLs(raws []string) ([]PeerSpec, error) {
	specs := make([]PeerSpec, 0, len(raws))
	for _, raw := range raws {
		spec, err := ParsePeerURL(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
