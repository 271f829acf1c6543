package launch

import (
	"fmt"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// FLUX launches through the Flux resource manager's own flux-run,
// usable as an overlay scheduler inside a pilot's allocation
// regardless of the outer batch system.
type FLUX struct {
	PreExecList []string
}

func (m *FLUX) Name() string { return "FLUX" }

func (m *FLUX) Applicable(desc types.TaskDescription, rm config.ResourceManager) bool {
	return true
}

func (m *FLUX) BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error) {
	if len(slots) == 0 {
		return Command{}, fmt.Errorf("flux: no slots placed")
	}
	_, counts := hostRankCounts(slots, hostOf)

	args := []string{
		"run",
		"-N", fmt.Sprintf("%d", len(counts)),
		"-n", fmt.Sprintf("%d", len(slots)),
	}
	if desc.CoresPerRank > 0 {
		args = append(args, "-c", fmt.Sprintf("%d", desc.CoresPerRank))
	}
	args = append(args, "/bin/sh", execScript)

	return Command{Path: "flux", Args: args}, nil
}

func (m *FLUX) RankIDVariable() string   { return "FLUX_TASK_RANK" }
func (m *FLUX) PreExecCached() []string  { return m.PreExecList }
func (m *FLUX) BarrierKind() BarrierKind { return BarrierMPIInit }
