package launch

import (
	"fmt"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// JSRUN launches through IBM's jsrun, the launcher on LSF-managed
// platforms like Summit and Sierra.
type JSRUN struct {
	PreExecList []string
}

func (m *JSRUN) Name() string { return "JSRUN" }

func (m *JSRUN) Applicable(desc types.TaskDescription, rm config.ResourceManager) bool {
	return rm == config.ResourceManagerLSF
}

func (m *JSRUN) BuildCommand(desc types.TaskDescription, slots types.Slots, hostOf HostOf, execScript string) (Command, error) {
	if len(slots) == 0 {
		return Command{}, fmt.Errorf("jsrun: no slots placed")
	}

	args := []string{
		"-n", fmt.Sprintf("%d", len(slots)),
		"-a", "1",
		"-c", fmt.Sprintf("%d", max1(desc.CoresPerRank)),
	}
	if desc.GPUsPerRank > 0 {
		args = append(args, "-g", fmt.Sprintf("%d", desc.GPUsPerRank))
	}
	args = append(args, "/bin/sh", execScript)

	return Command{Path: "jsrun", Args: args}, nil
}

func (m *JSRUN) RankIDVariable() string   { return "JSM_NAMESPACE_RANK" }
func (m *JSRUN) PreExecCached() []string  { return m.PreExecList }
func (m *JSRUN) BarrierKind() BarrierKind { return BarrierMPIInit }
