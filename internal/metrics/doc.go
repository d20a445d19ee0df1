// Package metrics defines the recorder's Prometheus metrics.
package metrics
