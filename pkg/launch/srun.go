package launch

import (
	"fmt"
	"strings"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// SRUN launches through Slurm's srun, the default launcher on
// Slurm-managed platforms.
type SRUN struct {
	PreExecList []string
}

func (m *SRUN) Name() string { return "SRUN" }

func (m *SRUN) Applicable(desc types.TaskDescription, rm config.ResourceManager) bool {
	return rm == config.ResourceManagerSLURM
}

func (m *SRUN) BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error) {
	if len(slots) == 0 {
		return Command{}, fmt.Errorf("srun: no slots placed")
	}
	hosts, counts := hostRankCounts(slots, hostOf)

	args := []string{
		"--nodelist=" + strings.Join(hosts, ","),
		fmt.Sprintf("--ntasks=%d", len(slots)),
		fmt.Sprintf("--cpus-per-task=%d", max1(desc.CoresPerRank)),
	}
	if desc.GPUsPerRank > 0 {
		args = append(args, fmt.Sprintf("--gpus-per-task=%d", desc.GPUsPerRank))
	}
	if uniform(counts) {
		args = append(args, fmt.Sprintf("--ntasks-per-node=%d", counts[hosts[0]]))
	}
	args = append(args, "/bin/sh", execScript)

	return Command{Path: "srun", Args: args}, nil
}

func (m *SRUN) RankIDVariable() string     { return "SLURM_PROCID" }
func (m *SRUN) PreExecCached() []string    { return m.PreExecList }
func (m *SRUN) BarrierKind() BarrierKind   { return BarrierMPIInit }

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func uniform(counts map[string]int) bool {
	var first int
	set := false
	for _, c := range counts {
		if !set {
			first = c
			set = true
			continue
		}
		if c != first {
			return false
		}
	}
	return true
}
