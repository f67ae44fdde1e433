// Package affinity restricts the calling OS thread to a single logical CPU.
// Callers must lock the goroutine to its thread with runtime.LockOSThread before pinning.
package affinity
