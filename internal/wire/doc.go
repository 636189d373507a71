// Package wire defines the envelope exchanged between mesh peers and the
// newline-delimited JSON framing used to carry it over a connection.
package wire
