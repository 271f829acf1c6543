// Package launch implements the pluggable launch-method registry
// spec.md §4.4 requires: SRUN, MPIRUN, MPIEXEC, JSRUN, APRUN, PRTE,
// SSH, FORK and FLUX, each translating a task description and its
// resolved slot placement into an external launcher invocation.
package launch
