// Package discovery provides optional etcd-based peer discovery.
//
// Agents register their mesh endpoint under a shared key prefix with a
// leased key, list the prefix at startup, and watch it for joins and
// departures. Meshes with a fully static peer list never touch this package.
package discovery
