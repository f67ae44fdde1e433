// Package steering implements the CPU-indexed steering table that maps each logical CPU
// to the reuseport socket owned by that CPU's worker. The table is created and published
// once under a port-derived name, opened by every worker, and consulted by the classifier.
package steering
