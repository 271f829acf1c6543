package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/radical-cybertools/rp-agent/pkg/launch"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// scriptPaths names the fixed set of files a task sandbox carries,
// per spec.md §6's task sandbox layout.
type scriptPaths struct {
	launchScript string
	execScript   string
	stdout       string
	stderr       string
	launchOut    string
}

func newScriptPaths(sandboxDir, uid string) scriptPaths {
	return scriptPaths{
		launchScript: filepath.Join(sandboxDir, uid+".launch.sh"),
		execScript:   filepath.Join(sandboxDir, uid+".exec.sh"),
		stdout:       filepath.Join(sandboxDir, uid+".out"),
		stderr:       filepath.Join(sandboxDir, uid+".err"),
		launchOut:    filepath.Join(sandboxDir, uid+".launch.out"),
	}
}

// writeLaunchScript materializes <uid>.launch.sh: exports the task
// environment, runs pre_launch, invokes the launcher command built by
// the selected launch method, then runs post_launch.
func writeLaunchScript(path string, desc types.TaskDescription, cmd launch.Command, envDump string) error {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n\n")

	writeEnvExports(&b, desc.Environment)
	writeEnvExports(&b, cmd.Env)

	for _, line := range desc.PreLaunch {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(launchEnvDumpSnippet(envDump))

	b.WriteString(quoteArgv(cmd.Path, cmd.Args))
	b.WriteString("\n")

	for _, line := range desc.PostLaunch {
		b.WriteString(line)
		b.WriteString("\n")
	}

	return os.WriteFile(path, []byte(b.String()), 0o755)
}

// writeExecScript materializes <uid>.exec.sh: the per-rank entry point
// invoked by the launcher. Rank 0 runs pre_exec exactly once, behind
// the launch method's declared barrier, inside a subshell with every
// launcher-injected variable (PMIX_*, OMPI_*, SLURM_*, spec.md §4.3)
// unset; that isolation is scoped to the subshell only, so it never
// touches the environment the task payload itself execs under —
// a real MPI rank's MPI_Init still needs those variables intact.
func writeExecScript(path string, desc types.TaskDescription, method launch.Method, rankIDVar, envDump string) error {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n\n")

	writeEnvExports(&b, desc.Environment)

	if rankIDVar == "" {
		b.WriteString("RP_AGENT_RANK=0\n\n")
	} else {
		fmt.Fprintf(&b, "RP_AGENT_RANK=\"$%s\"\n\n", rankIDVar)
	}

	b.WriteString("if [ \"$RP_AGENT_RANK\" = \"0\" ]; then\n(\n")
	b.WriteString(isolationSnippet(envDump))
	for _, line := range desc.PreExec {
		fmt.Fprintf(&b, "  %s\n", line)
	}
	b.WriteString(")\nfi\n\n")

	switch method.BarrierKind() {
	case launch.BarrierFilesystem:
		b.WriteString(filesystemBarrierSnippet())
	case launch.BarrierMPIInit:
		b.WriteString("# rank-0 pre_exec gate implicit in MPI_Init\n")
	case launch.BarrierNone:
		b.WriteString("# single-rank launch method, no barrier required\n")
	}

	b.WriteString(quoteArgv(desc.Executable, desc.Arguments))
	b.WriteString("\n")

	for _, line := range desc.PostExec {
		b.WriteString(line)
		b.WriteString("\n")
	}

	return os.WriteFile(path, []byte(b.String()), 0o755)
}

// filesystemBarrierSnippet renders a simple flag-file rendezvous: every
// rank but 0 waits for rank 0's flag to appear before proceeding, and
// rank 0 writes its flag as soon as it reaches the snippet, which
// exec.sh places after the rank-0 pre_exec block.
func filesystemBarrierSnippet() string {
	return `if [ "$RP_AGENT_RANK" = "0" ]; then
  : > "${RP_AGENT_SANDBOX:-.}/.rp_agent_barrier"
else
  while [ ! -f "${RP_AGENT_SANDBOX:-.}/.rp_agent_barrier" ]; do sleep 0.05; done
fi

`
}

// writeEnvExports emits one export line per environment variable, in
// sorted key order so script output is deterministic across runs.
func writeEnvExports(b *strings.Builder, env map[string]string) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "export %s=%s\n", k, shellQuote(env[k]))
	}
	if len(keys) > 0 {
		b.WriteString("\n")
	}
}

func quoteArgv(path string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(path))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote wraps s in single quotes, escaping any embedded single
// quote the POSIX-shell way: close the quote, emit an escaped quote,
// reopen it.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
