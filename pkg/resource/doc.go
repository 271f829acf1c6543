// Package resource resolves the agent's allocation: parsing the
// SLURM/PBS-style node manifest the batch system hands the pilot and
// combining it with the platform's per-node resource shape to produce
// the fixed node set the scheduler packs tasks onto for the pilot's
// lifetime.
package resource
