// Package server implements the HTTP status API of the recorder: health,
// component statistics, the effective configuration, the newest artifacts
// and Prometheus metrics.
package server
