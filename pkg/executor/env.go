package executor

import "path/filepath"

// envDumpPath names the file launch.sh writes its environment to,
// immediately before invoking the launcher binary, so exec.sh can tell
// which variables the launcher injected into the rank's process.
func envDumpPath(sandboxDir, uid string) string {
	return filepath.Join(sandboxDir, uid+".launch.env")
}

// launchEnvDumpSnippet is appended to launch.sh right before the
// launcher invocation. It captures every variable name visible at that
// point, the baseline exec.sh diffs the rank's own environment against.
func launchEnvDumpSnippet(dumpPath string) string {
	return "env | cut -d= -f1 | sort > " + shellQuote(dumpPath) + "\n\n"
}

// isolationSnippet is emitted inside the subshell that wraps rank 0's
// pre_exec block (spec.md §4.3). It dumps the rank's own environment,
// diffs it against the launch-time baseline, and unsets every name the
// launcher injected afterward (PMIX_*, OMPI_*, SLURM_*, and the like)
// so user pre_exec never observes launcher-internal state. Because
// this runs in a subshell, the unsets never escape to the parent
// exec.sh process, so the task payload still execs under the
// launcher's original environment. The rank ID variable itself is
// preserved separately since RP_AGENT_RANK already captured its value.
func isolationSnippet(dumpPath string) string {
	return `RP_AGENT_LAUNCH_ENV=` + shellQuote(dumpPath) + `
if [ -f "$RP_AGENT_LAUNCH_ENV" ]; then
  for _rp_var in $(env | cut -d= -f1 | sort | comm -23 - "$RP_AGENT_LAUNCH_ENV"); do
    unset "$_rp_var"
  done
  unset _rp_var
fi

`
}
