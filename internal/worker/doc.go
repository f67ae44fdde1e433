// Package worker implements one per-CPU listener of the reuseport pool.
//
// A worker locks its goroutine to an OS thread, pins that thread to its CPU, opens a UDP
// socket with SO_REUSEPORT, binds the shared service port, registers the socket in the
// steering table under its CPU id and, if it is the pool leader, attaches the classifier.
// It then echoes every datagram back to its sender until its context is cancelled.
//
// Lifecycle:
//
//	init -> pinned -> socket_open -> port_shared -> bound -> registered
//	registered -> serving                 (follower)
//	registered -> attaching -> serving    (leader)
//	serving -> closed
//	any startup state -> failed
//
// A failed worker releases its socket and table entry and terminates alone; deciding
// what that means for the pool is the supervisor's job.
package worker
