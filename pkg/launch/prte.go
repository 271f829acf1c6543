package launch

import (
	"fmt"
	"strings"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// PRTE launches through the PMIx Reference RunTime Environment
// (prun), the standalone runtime behind newer Open MPI releases.
type PRTE struct {
	PreExecList []string
}

func (m *PRTE) Name() string { return "PRTE" }

func (m *PRTE) Applicable(desc types.TaskDescription, rm config.ResourceManager) bool {
	return true
}

func (m *PRTE) BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error) {
	if len(slots) == 0 {
		return Command{}, fmt.Errorf("prte: no slots placed")
	}
	hosts, counts := hostRankCounts(slots, hostOf)

	hostSpecs := make([]string, len(hosts))
	for i, h := range hosts {
		hostSpecs[i] = fmt.Sprintf("%s:%d", h, counts[h])
	}

	args := []string{
		"--host", strings.Join(hostSpecs, ","),
		"-n", fmt.Sprintf("%d", len(slots)),
	}
	args = append(args, "/bin/sh", execScript)

	return Command{Path: "prun", Args: args}, nil
}

func (m *PRTE) RankIDVariable() string   { return "PMIX_RANK" }
func (m *PRTE) PreExecCached() []string  { return m.PreExecList }
func (m *PRTE) BarrierKind() BarrierKind { return BarrierMPIInit }
