// Package server exposes instances over HTTP: their state, gate decisions,
// abort, health and Prometheus metrics. Client is the matching caller used
// by the CLI.
package server
