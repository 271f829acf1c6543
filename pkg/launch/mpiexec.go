package launch

import (
	"fmt"
	"strings"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// MPIEXEC launches through MPICH's mpiexec/hydra.
type MPIEXEC struct {
	PreExecList []string
}

func (m *MPIEXEC) Name() string { return "MPIEXEC" }

func (m *MPIEXEC) Applicable(desc types.TaskDescription, rm config.ResourceManager) bool {
	return true
}

func (m *MPIEXEC) BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error) {
	if len(slots) == 0 {
		return Command{}, fmt.Errorf("mpiexec: no slots placed")
	}
	hosts, counts := hostRankCounts(slots, hostOf)

	hostSpecs := make([]string, len(hosts))
	for i, h := range hosts {
		hostSpecs[i] = fmt.Sprintf("%s:%d", h, counts[h])
	}

	args := []string{
		"-hosts", strings.Join(hostSpecs, ","),
		"-n", fmt.Sprintf("%d", len(slots)),
	}
	if desc.CoresPerRank > 0 {
		args = append(args, "-bind-to", fmt.Sprintf("core:%d", desc.CoresPerRank))
	}
	args = append(args, "/bin/sh", execScript)

	return Command{Path: "mpiexec", Args: args}, nil
}

func (m *MPIEXEC) RankIDVariable() string   { return "PMI_RANK" }
func (m *MPIEXEC) PreExecCached() []string  { return m.PreExecList }
func (m *MPIEXEC) BarrierKind() BarrierKind { return BarrierMPIInit }
