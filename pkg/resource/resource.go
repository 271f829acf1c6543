// Package resource turns a platform description and an allocation
// manifest into the fixed set of schedulable nodes the rest of the
// agent pipeline operates on for the lifetime of the pilot.
package resource

import (
	"fmt"
	"strings"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// ConfigMismatchError reports that the platform configuration and the
// allocation manifest disagree about the shape of the allocation (e.g.
// a non-positive cores_per_node).
type ConfigMismatchError struct {
	Platform string
	Err      error
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("platform %q configuration mismatch: %v", e.Platform, e.Err)
}

func (e *ConfigMismatchError) Unwrap() error { return e.Err }

// AllocationUnreadableError reports that the allocation manifest itself
// could not be parsed.
type AllocationUnreadableError struct {
	Source string
	Err    error
}

func (e *AllocationUnreadableError) Error() string {
	return fmt.Sprintf("allocation manifest %q unreadable: %v", e.Source, e.Err)
}

func (e *AllocationUnreadableError) Unwrap() error { return e.Err }

// Manager builds and owns the node set for a single pilot allocation
// and answers launch methods' questions about the host list.
type Manager struct {
	platform config.Platform
	nodes    []*types.Node
}

// NewManager builds the node set for an allocation from a platform
// entry and a parsed manifest. Each manifest entry becomes one node
// with CoresPerNode/GPUsPerNode slots, the platform's blocked_cores and
// blocked_gpus pre-marked SlotBlocked.
func NewManager(platformName string, p config.Platform, manifest Manifest) (*Manager, error) {
	if p.CoresPerNode <= 0 {
		return nil, &ConfigMismatchError{Platform: platformName, Err: fmt.Errorf("cores_per_node must be positive, got %d", p.CoresPerNode)}
	}
	if len(manifest) == 0 {
		return nil, &AllocationUnreadableError{Source: platformName, Err: fmt.Errorf("empty manifest")}
	}

	blockedCores := toSet(p.SystemArchitecture.BlockedCores)
	blockedGPUs := toSet(p.SystemArchitecture.BlockedGPUs)

	nodes := make([]*types.Node, 0, len(manifest))
	for i, host := range manifest {
		n := &types.Node{
			ID:      fmt.Sprintf("node.%04d", i),
			Name:    host,
			LFSPath: p.LFSPathPerNode,
			LFSSize: p.LFSSizePerNode,
			Mem:     p.MemPerNode,
		}
		n.Cores = make([]*types.Slot, p.CoresPerNode)
		for c := range n.Cores {
			state := types.SlotFree
			if blockedCores[c] {
				state = types.SlotBlocked
			}
			n.Cores[c] = &types.Slot{Kind: types.SlotKindCore, Index: c, State: state}
		}
		n.GPUs = make([]*types.Slot, p.GPUsPerNode)
		for g := range n.GPUs {
			state := types.SlotFree
			if blockedGPUs[g] {
				state = types.SlotBlocked
			}
			n.GPUs[g] = &types.Slot{Kind: types.SlotKindGPU, Index: g, State: state}
		}
		nodes = append(nodes, n)
	}

	return &Manager{platform: p, nodes: nodes}, nil
}

func toSet(ints []int) map[int]bool {
	m := make(map[int]bool, len(ints))
	for _, i := range ints {
		m[i] = true
	}
	return m
}

// Nodes returns the fixed node set for this allocation.
func (m *Manager) Nodes() []*types.Node { return m.nodes }

// Hostnames returns the node names in manifest order.
func (m *Manager) Hostnames() []string {
	hosts := make([]string, len(m.nodes))
	for i, n := range m.nodes {
		hosts[i] = n.Name
	}
	return hosts
}

// Hostname resolves a Node.ID (as stored on a RankSlots placement) back
// to its real hostname, for launch methods building a nodelist/hostfile
// argument.
func (m *Manager) Hostname(nodeID string) string {
	for _, n := range m.nodes {
		if n.ID == nodeID {
			return n.Name
		}
	}
	return ""
}

// LaunchEnvironment produces the host-list environment variables for
// the allocation: RP_AGENT_NODELIST, the comma-separated hostnames in
// manifest order, and RP_AGENT_NODECOUNT, their number. It produces no
// hostfile variable.
func (m *Manager) LaunchEnvironment() map[string]string {
	hosts := m.Hostnames()
	env := map[string]string{
		"RP_AGENT_NODELIST":  strings.Join(hosts, ","),
		"RP_AGENT_NODECOUNT": fmt.Sprintf("%d", len(hosts)),
	}
	return env
}
