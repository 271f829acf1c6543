// Package types defines the data structures shared across the agent
// pipeline: nodes and their slots, the per-rank resource map result,
// tasks and their description, and the task state machine.
//
// It deliberately has no dependency on any other package in this
// module: every pipeline stage, from the resource manager through
// RAPTOR, imports types but types imports nothing of the agent's own.
package types
