package launch

import (
	"fmt"
	"strings"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// MPIRUN launches through Open MPI's mpirun, usable as a fallback on
// any platform with an Open MPI install regardless of resource
// manager.
type MPIRUN struct {
	PreExecList []string
}

func (m *MPIRUN) Name() string { return "MPIRUN" }

func (m *MPIRUN) Applicable(desc types.TaskDescription, rm config.ResourceManager) bool {
	return true
}

func (m *MPIRUN) BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error) {
	if len(slots) == 0 {
		return Command{}, fmt.Errorf("mpirun: no slots placed")
	}
	hosts, counts := hostRankCounts(slots, hostOf)

	hostSpecs := make([]string, len(hosts))
	for i, h := range hosts {
		hostSpecs[i] = fmt.Sprintf("%s:%d", h, counts[h])
	}

	args := []string{
		"--host", strings.Join(hostSpecs, ","),
		"-np", fmt.Sprintf("%d", len(slots)),
	}
	if desc.CoresPerRank > 0 {
		args = append(args, "--map-by", fmt.Sprintf("slot:PE=%d", desc.CoresPerRank))
	}
	args = append(args, "/bin/sh", execScript)

	return Command{Path: "mpirun", Args: args}, nil
}

func (m *MPIRUN) RankIDVariable() string   { return "OMPI_COMM_WORLD_RANK" }
func (m *MPIRUN) PreExecCached() []string  { return m.PreExecList }
func (m *MPIRUN) BarrierKind() BarrierKind { return BarrierMPIInit }
