// Package metrics defines the Prometheus metrics exported by reuseportd.
package metrics
