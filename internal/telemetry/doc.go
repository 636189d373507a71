// Package telemetry exposes Prometheus metrics for the mesh daemon.
package telemetry
