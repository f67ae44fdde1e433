// Package server implements the HTTP status API of the worker pool: health,
// per-worker state and counters, the steering table and Prometheus metrics.
package server
