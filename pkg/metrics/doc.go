// Package metrics defines and registers the agent's Prometheus metrics:
// slot occupancy, per-state task gauges, scheduling latency, executor
// spawn/exit counters, staging throughput, control command counts and
// RAPTOR worker health. Metrics are package-level variables registered
// at init so any component can update them without constructing
// anything, and Handler exposes them over HTTP for scraping.
package metrics
