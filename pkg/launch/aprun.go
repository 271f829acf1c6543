package launch

import (
	"fmt"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// APRUN launches through Cray's aprun, used on ALPS-managed Cray
// systems that schedule through Cobalt.
type APRUN struct {
	PreExecList []string
}

func (m *APRUN) Name() string { return "APRUN" }

func (m *APRUN) Applicable(desc types.TaskDescription, rm config.ResourceManager) bool {
	return rm == config.ResourceManagerCOBALT
}

func (m *APRUN) BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error) {
	if len(slots) == 0 {
		return Command{}, fmt.Errorf("aprun: no slots placed")
	}
	_, counts := hostRankCounts(slots, hostOf)

	ranksPerNode := 0
	for _, c := range counts {
		if c > ranksPerNode {
			ranksPerNode = c
		}
	}

	args := []string{
		"-n", fmt.Sprintf("%d", len(slots)),
		"-N", fmt.Sprintf("%d", ranksPerNode),
		"-d", fmt.Sprintf("%d", max1(desc.CoresPerRank)),
	}
	args = append(args, "/bin/sh", execScript)

	return Command{Path: "aprun", Args: args}, nil
}

func (m *APRUN) RankIDVariable() string   { return "ALPS_APP_PE" }
func (m *APRUN) PreExecCached() []string  { return m.PreExecList }
func (m *APRUN) BarrierKind() BarrierKind { return BarrierMPIInit }
