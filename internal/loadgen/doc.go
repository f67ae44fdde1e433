// Package loadgen sends concurrent request/reply datagram streams at a receiver
// and checks that every request is answered with its own payload.
package loadgen
