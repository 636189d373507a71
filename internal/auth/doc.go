// Package auth provides mutual authentication for the mesh handshake.
//
// Every agent in a mesh shares one secret. When a connection is opened, each
// side presents an HS256 JWT whose "sub" claim names its agent id; the other
// side verifies the signature before the link is admitted to the registry.
// Tokens are short-lived and used only during the handshake — envelope
// traffic on an established link is not individually signed.
package auth
