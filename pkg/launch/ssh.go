package launch

import (
	"fmt"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// SSH launches a single-rank task on its placed node over ssh, used
// when the task's own node is not the agent's node (e.g. a
// login-node-adjacent worker) and no MPI coordination is needed.
type SSH struct {
	PreExecList []string
}

func (m *SSH) Name() string { return "SSH" }

func (m *SSH) Applicable(desc types.TaskDescription, rm config.ResourceManager) bool {
	return desc.Ranks <= 1 && desc.Threading != types.ThreadingMPI && desc.Threading != types.ThreadingMPIOpenMP
}

func (m *SSH) BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error) {
	if len(slots) != 1 {
		return Command{}, fmt.Errorf("ssh: requires exactly one rank, got %d", len(slots))
	}
	host := hostOf(slots[0].NodeID)

	args := []string{"-o", "BatchMode=yes", host, "/bin/sh", execScript}

	return Command{Path: "ssh", Args: args}, nil
}

func (m *SSH) RankIDVariable() string   { return "" }
func (m *SSH) PreExecCached() []string  { return m.PreExecList }
func (m *SSH) BarrierKind() BarrierKind { return BarrierNone }
