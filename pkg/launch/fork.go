package launch

import (
	"fmt"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// FORK runs a single-rank task directly as a child process of the
// agent's own node, the simplest and always-available fallback.
type FORK struct {
	PreExecList []string
}

func (m *FORK) Name() string { return "FORK" }

func (m *FORK) Applicable(desc types.TaskDescription, rm config.ResourceManager) bool {
	return desc.Ranks <= 1 && desc.Threading != types.ThreadingMPI && desc.Threading != types.ThreadingMPIOpenMP
}

func (m *FORK) BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error) {
	if len(slots) != 1 {
		return Command{}, fmt.Errorf("fork: requires exactly one rank, got %d", len(slots))
	}
	return Command{Path: "/bin/sh", Args: []string{execScript}}, nil
}

func (m *FORK) RankIDVariable() string   { return "" }
func (m *FORK) PreExecCached() []string  { return m.PreExecList }
func (m *FORK) BarrierKind() BarrierKind { return BarrierNone }
