// Package scheduler implements the agent's continuous bin-packing
// scheduler (spec.md §4.2): the ResourceMap that owns every node's
// slot state for the pilot's lifetime, and the Scheduler component
// that places tasks onto it in arrival order, retrying unplaced tasks
// whenever resources free up.
package scheduler
