package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// ErrResourcesUnavailable means the requirement cannot be satisfied by
// the currently free slots but could be once something is released.
// The caller should hold the task in AGENT_SCHEDULING_PENDING and retry
// it on the next unschedule event.
var ErrResourcesUnavailable = errors.New("resources unavailable")

// ErrUnschedulable means the requirement exceeds any placement this
// ResourceMap could ever satisfy, regardless of how much frees up —
// e.g. more cores per rank than any single node owns, or more total
// ranks than the pilot's allocation could ever hold.
var ErrUnschedulable = errors.New("unschedulable")

// ResourceMap is the scheduler's authoritative, exclusively-owned view
// of slot state across every node in the allocation. Place, Acquire and
// Release are the only mutators and are atomic relative to each other.
type ResourceMap struct {
	mu    sync.Mutex
	nodes []*types.Node
}

// NewResourceMap builds a ResourceMap over a fixed node set. The node
// set does not change for the pilot's lifetime; only slot state does.
func NewResourceMap(nodes []*types.Node) *ResourceMap {
	return &ResourceMap{nodes: nodes}
}

// Place attempts to satisfy desc against currently free slots,
// following spec's ordered bin-packing algorithm: a non-MPI task that
// fits within one node's core/gpu budget gets a contiguous single-rank
// placement on the first node with room; an MPI task gets a
// contiguous-span placement walking nodes in order, filling whole or
// partial nodes until every rank lands. On success the chosen slots are
// marked BUSY and the placement returned. On failure the map is left
// unchanged.
func (r *ResourceMap) Place(desc types.TaskDescription) (types.Slots, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkUnschedulable(desc); err != nil {
		return nil, err
	}

	isMPI := desc.Threading == types.ThreadingMPI || desc.Threading == types.ThreadingMPIOpenMP
	if !isMPI && desc.Ranks <= 1 {
		return r.placeSingleLocked(desc)
	}
	return r.placeSpanLocked(desc)
}

// checkUnschedulable reports permanent impossibility: a per-rank
// requirement no single node could ever satisfy, or a total
// requirement exceeding the pilot's entire allocation.
func (r *ResourceMap) checkUnschedulable(desc types.TaskDescription) error {
	if len(r.nodes) == 0 {
		return ErrUnschedulable
	}

	maxCores, maxGPUs := 0, 0
	totalCores, totalGPUs := 0, 0
	for _, n := range r.nodes {
		if c := n.CoresTotal(); c > maxCores {
			maxCores = c
		}
		if g := n.GPUsTotal(); g > maxGPUs {
			maxGPUs = g
		}
		totalCores += n.CoresTotal()
		totalGPUs += n.GPUsTotal()
	}

	if desc.CoresPerRank > maxCores {
		return fmt.Errorf("%w: cores_per_rank %d exceeds the largest node (%d cores)", ErrUnschedulable, desc.CoresPerRank, maxCores)
	}
	if desc.GPUsPerRank > maxGPUs {
		return fmt.Errorf("%w: gpus_per_rank %d exceeds the largest node (%d gpus)", ErrUnschedulable, desc.GPUsPerRank, maxGPUs)
	}
	ranks := desc.Ranks
	if ranks <= 0 {
		ranks = 1
	}
	if ranks*desc.CoresPerRank > totalCores {
		return fmt.Errorf("%w: %d ranks x %d cores exceeds the allocation's %d total cores", ErrUnschedulable, ranks, desc.CoresPerRank, totalCores)
	}
	if desc.GPUsPerRank > 0 && ranks*desc.GPUsPerRank > totalGPUs {
		return fmt.Errorf("%w: %d ranks x %d gpus exceeds the allocation's %d total gpus", ErrUnschedulable, ranks, desc.GPUsPerRank, totalGPUs)
	}
	return nil
}

func (r *ResourceMap) placeSingleLocked(desc types.TaskDescription) (types.Slots, error) {
	for _, n := range r.nodes {
		if desc.CoresPerRank > n.CoresTotal() || desc.GPUsPerRank > n.GPUsTotal() {
			continue
		}
		sim := newNodeSim(n)
		rs, ok := sim.tryPlaceRank(desc)
		if !ok {
			continue
		}
		slots := types.Slots{rs}
		r.acquireLocked(slots)
		return slots, nil
	}
	return nil, ErrResourcesUnavailable
}

func (r *ResourceMap) placeSpanLocked(desc types.TaskDescription) (types.Slots, error) {
	ranks := desc.Ranks
	if ranks <= 0 {
		ranks = 1
	}

	var slots types.Slots
	for _, n := range r.nodes {
		if ranks == 0 {
			break
		}
		if desc.CoresPerRank > n.CoresTotal() || desc.GPUsPerRank > n.GPUsTotal() {
			continue
		}
		sim := newNodeSim(n)
		for ranks > 0 {
			rs, ok := sim.tryPlaceRank(desc)
			if !ok {
				break
			}
			slots = append(slots, rs)
			ranks--
		}
	}

	if ranks > 0 {
		return nil, ErrResourcesUnavailable
	}
	r.acquireLocked(slots)
	return slots, nil
}

// Acquire marks slots BUSY, validating every slot is currently FREE
// first. Used directly by tests exercising the conservation invariant
// without going through Place's bin-packing search.
func (r *ResourceMap) Acquire(slots types.Slots) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byNode := r.nodeIndex()
	for _, rs := range slots {
		n, ok := byNode[rs.NodeID]
		if !ok {
			return fmt.Errorf("acquire: unknown node %q", rs.NodeID)
		}
		for _, c := range rs.Cores {
			if c < 0 || c >= len(n.Cores) {
				return fmt.Errorf("acquire: core index %d out of range on node %s", c, n.ID)
			}
			if n.Cores[c].State != types.SlotFree {
				return fmt.Errorf("acquire: core %d on node %s is %s, not FREE", c, n.ID, n.Cores[c].State)
			}
		}
		for _, g := range rs.GPUs {
			if g < 0 || g >= len(n.GPUs) {
				return fmt.Errorf("acquire: gpu index %d out of range on node %s", g, n.ID)
			}
			if n.GPUs[g].State != types.SlotFree {
				return fmt.Errorf("acquire: gpu %d on node %s is %s, not FREE", g, n.ID, n.GPUs[g].State)
			}
		}
	}
	r.acquireLocked(slots)
	return nil
}

// Release marks slots FREE again, the mirror of Acquire. Blocked slots
// are never acquired in the first place, so Release only ever toggles
// BUSY back to FREE.
func (r *ResourceMap) Release(slots types.Slots) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byNode := r.nodeIndex()
	for _, rs := range slots {
		n, ok := byNode[rs.NodeID]
		if !ok {
			return fmt.Errorf("release: unknown node %q", rs.NodeID)
		}
		for _, c := range rs.Cores {
			if c < 0 || c >= len(n.Cores) {
				return fmt.Errorf("release: core index %d out of range on node %s", c, n.ID)
			}
			n.Cores[c].State = types.SlotFree
		}
		for _, g := range rs.GPUs {
			if g < 0 || g >= len(n.GPUs) {
				return fmt.Errorf("release: gpu index %d out of range on node %s", g, n.ID)
			}
			n.GPUs[g].State = types.SlotFree
		}
		n.LFSUsed -= rs.LFSSize
		n.MemUsed -= rs.Mem
	}
	return nil
}

// BusySlots counts currently BUSY cores and GPUs across the whole map,
// used by the conservation invariant test (spec.md §8.1).
func (r *ResourceMap) BusySlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, node := range r.nodes {
		for _, s := range node.Cores {
			if s.State == types.SlotBusy {
				n++
			}
		}
		for _, s := range node.GPUs {
			if s.State == types.SlotBusy {
				n++
			}
		}
	}
	return n
}

func (r *ResourceMap) nodeIndex() map[string]*types.Node {
	idx := make(map[string]*types.Node, len(r.nodes))
	for _, n := range r.nodes {
		idx[n.ID] = n
	}
	return idx
}

func (r *ResourceMap) acquireLocked(slots types.Slots) {
	byNode := r.nodeIndex()
	for _, rs := range slots {
		n := byNode[rs.NodeID]
		for _, c := range rs.Cores {
			n.Cores[c].State = types.SlotBusy
		}
		for _, g := range rs.GPUs {
			n.GPUs[g].State = types.SlotBusy
		}
		n.LFSUsed += rs.LFSSize
		n.MemUsed += rs.Mem
	}
}

// nodeSim is a scratch copy of one node's free/busy state used while
// searching for a placement; it is discarded if the search fails and
// never observed outside the ResourceMap's own lock.
type nodeSim struct {
	node     *types.Node
	coreFree []bool
	gpuFree  []bool
	lfsFree  int64
	memFree  int64
}

func newNodeSim(n *types.Node) *nodeSim {
	cf := make([]bool, len(n.Cores))
	for i, s := range n.Cores {
		cf[i] = s.State == types.SlotFree
	}
	gf := make([]bool, len(n.GPUs))
	for i, s := range n.GPUs {
		gf[i] = s.State == types.SlotFree
	}
	return &nodeSim{
		node:     n,
		coreFree: cf,
		gpuFree:  gf,
		lfsFree:  n.LFSSize - n.LFSUsed,
		memFree:  n.Mem - n.MemUsed,
	}
}

// tryPlaceRank places one rank of desc within this node's remaining
// simulated capacity, consuming the chosen slots from the simulation
// on success. Cores and GPUs must each be a single contiguous run; the
// lowest free index wins, per spec.md §4.2's tie-break rule.
func (ns *nodeSim) tryPlaceRank(desc types.TaskDescription) (types.RankSlots, bool) {
	if desc.LFSPerRank > ns.lfsFree || desc.MemPerRank > ns.memFree {
		return types.RankSlots{}, false
	}

	coreStart, ok := contiguousFreeRun(ns.coreFree, desc.CoresPerRank)
	if !ok {
		return types.RankSlots{}, false
	}
	var gpuStart int
	if desc.GPUsPerRank > 0 {
		gpuStart, ok = contiguousFreeRun(ns.gpuFree, desc.GPUsPerRank)
		if !ok {
			return types.RankSlots{}, false
		}
	}

	var cores []int
	if desc.CoresPerRank > 0 {
		cores = make([]int, desc.CoresPerRank)
		for i := range cores {
			cores[i] = coreStart + i
			ns.coreFree[coreStart+i] = false
		}
	}
	var gpus []int
	if desc.GPUsPerRank > 0 {
		gpus = make([]int, desc.GPUsPerRank)
		for i := range gpus {
			gpus[i] = gpuStart + i
			ns.gpuFree[gpuStart+i] = false
		}
	}
	ns.lfsFree -= desc.LFSPerRank
	ns.memFree -= desc.MemPerRank

	return types.RankSlots{
		NodeID:  ns.node.ID,
		Cores:   cores,
		GPUs:    gpus,
		LFSSize: desc.LFSPerRank,
		Mem:     desc.MemPerRank,
	}, true
}

// contiguousFreeRun returns the start index of the first run of count
// consecutive true entries in free, or false if no such run exists. A
// count of zero is trivially satisfied at index 0.
func contiguousFreeRun(free []bool, count int) (int, bool) {
	if count <= 0 {
		return 0, true
	}
	run := 0
	for i, f := range free {
		if f {
			run++
			if run == count {
				return i - count + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}
