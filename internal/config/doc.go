// Package config loads and validates coven-mesh configuration.
//
// Configuration comes from a YAML file with ${VAR} environment expansion,
// from plain environment variables, or both (environment wins). The core
// surface is intentionally small: an agent identity, a listen address, a
// comma-separated list of peer endpoint URLs, and a shared mesh secret.
package config
