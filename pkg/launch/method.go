package launch

import (
	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// BarrierKind is the mechanism a launch.sh/exec.sh pair uses to hold
// every rank but rank 0 until rank 0's pre_exec has finished (spec.md
// §9's "exec.sh rank-0 barrier" design note).
type BarrierKind string

const (
	// BarrierMPIInit relies on the implicit barrier inside MPI_Init:
	// no rank proceeds past its own init call until every rank has
	// reached it, so the exec.sh ordering is enough on its own.
	BarrierMPIInit BarrierKind = "MPIInit"
	// BarrierFilesystem uses a sentinel file rank 0 creates after its
	// pre_exec completes; other ranks poll for it before proceeding.
	BarrierFilesystem BarrierKind = "Filesystem"
	// BarrierNone applies to genuinely single-rank tasks: there is
	// nothing to synchronize.
	BarrierNone BarrierKind = "None"
)

// HostOf resolves a placement's Node.ID to the real hostname a
// launcher understands. Kept as a function type rather than an
// interface so pkg/launch never needs to import pkg/resource.
type HostOf func(nodeID string) string

// Command is a launch method's rendering of a task and its placement
// into an invokable external program.
type Command struct {
	Path string
	Args []string
	Env  map[string]string
}

// Method adapts a task description plus its slot placement into a
// concrete launcher invocation (spec.md §4.4).
type Method interface {
	// Name is the platform config tag this method answers to (SRUN,
	// MPIRUN, ...).
	Name() string
	// Applicable reports whether this method can run desc on a
	// platform using resource manager rm.
	Applicable(desc types.TaskDescription, rm config.ResourceManager) bool
	// BuildCommand renders the launcher invocation for desc placed at
	// slots. hostOf resolves each RankSlots.NodeID to its hostname.
	// execScript is the path to the task's materialized <uid>.exec.sh;
	// every method invokes it as the per-rank payload rather than the
	// task's raw executable, since exec.sh is where the rank
	// environment isolation and pre_exec barrier happen (spec.md §4.3).
	BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error)
	// RankIDVariable is the environment variable the launcher exposes
	// to a rank carrying its own rank number.
	RankIDVariable() string
	// PreExecCached is environment preparation run once per agent
	// boot rather than per task (e.g. `module load` lines).
	PreExecCached() []string
	// BarrierKind is the rank-0 pre_exec synchronization this method
	// provides.
	BarrierKind() BarrierKind
}

// hostRankCounts collapses slots into the ordered, de-duplicated list
// of hosts it spans and how many ranks land on each, the shape most
// launcher host-list syntaxes want.
func hostRankCounts(slots types.Slots, hostOf HostOf) (hosts []string, counts map[string]int) {
	counts = make(map[string]int)
	seen := make(map[string]bool)
	for _, rs := range slots {
		host := hostOf(rs.NodeID)
		if !seen[host] {
			seen[host] = true
			hosts = append(hosts, host)
		}
		counts[host]++
	}
	return hosts, counts
}
