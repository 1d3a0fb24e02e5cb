// Package observability derives metrics, health and statistics for the
// daemon from the task store, and exports scheduler metrics to Prometheus.
package observability
