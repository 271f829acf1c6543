// Package transport provides the durable, strictly-ordered record log
// the agent replays from on restart and the bridge streams to clients
// from — see transport.go for why a single-node Raft cluster is the
// right tool for a log with no peers.
package transport
