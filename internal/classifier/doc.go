// Package classifier publishes the packet classifier for a reuseport group and attaches
// it to the group exactly once. The kernel classifier selects the socket registered in
// the steering table under the id of the CPU that received the packet.
package classifier
