// Package types defines the data model shared across the agent pipeline:
// nodes and their slots, per-rank placements, tasks, control and state
// messages, and the state machine that governs task transitions.
package types

import "time"

// Node is a single host in the pilot's allocation.
type Node struct {
	ID      string
	Name    string
	Cores   []*Slot
	GPUs    []*Slot
	LFSPath string
	LFSSize int64 // bytes, total
	LFSUsed int64 // bytes, currently reserved by scheduled tasks
	Mem     int64 // MB, total
	MemUsed int64 // MB, currently reserved by scheduled tasks
}

// SlotKind distinguishes core slots from GPU slots.
type SlotKind string

const (
	SlotKindCore SlotKind = "core"
	SlotKindGPU  SlotKind = "gpu"
)

// SlotState is the allocation state of a single core or GPU.
type SlotState string

const (
	SlotFree    SlotState = "FREE"
	SlotBusy    SlotState = "BUSY"
	SlotBlocked SlotState = "BLOCKED"
)

// Slot is one schedulable core or GPU on a Node. The set of slots on a
// node is fixed for the pilot's lifetime; only State changes.
type Slot struct {
	Kind  SlotKind
	Index int
	State SlotState
}

// CoresTotal returns the number of core slots on the node.
func (n *Node) CoresTotal() int { return len(n.Cores) }

// GPUsTotal returns the number of GPU slots on the node.
func (n *Node) GPUsTotal() int { return len(n.GPUs) }

// SlotRef names a single slot assigned to a task, as produced by
// Slots.AllRefs. ResourceMap's Acquire/Release work on Slots directly.
type SlotRef struct {
	NodeID string
	Kind   SlotKind
	Index  int
}

// RankSlots is the hardware placement for a single MPI rank (or the
// sole rank of a non-MPI task): the node it lands on, the cores and
// GPUs it owns on that node, and its share of local filesystem and
// memory.
type RankSlots struct {
	NodeID  string
	Cores   []int
	GPUs    []int
	LFSSize int64 // bytes reserved for this rank
	Mem     int64 // MB reserved for this rank
}

// Slots is the ordered, per-rank result of a successful scheduling
// attempt. Rank i of the task is placed at Slots[i].
type Slots []RankSlots

// AllRefs flattens Slots into the individual SlotRefs they occupy, one
// per core and per GPU.
func (s Slots) AllRefs() []SlotRef {
	var refs []SlotRef
	for _, rs := range s {
		for _, c := range rs.Cores {
			refs = append(refs, SlotRef{NodeID: rs.NodeID, Kind: SlotKindCore, Index: c})
		}
		for _, g := range rs.GPUs {
			refs = append(refs, SlotRef{NodeID: rs.NodeID, Kind: SlotKindGPU, Index: g})
		}
	}
	return refs
}

// ThreadingType describes a task's threading/MPI model.
type ThreadingType string

const (
	ThreadingNone      ThreadingType = "none"
	ThreadingOpenMP    ThreadingType = "OpenMP"
	ThreadingMPI       ThreadingType = "MPI"
	ThreadingMPIOpenMP ThreadingType = "MPI+OpenMP"
)

// TaskMode distinguishes an ordinary executable task from a function
// task dispatched to RAPTOR.
type TaskMode string

const (
	TaskModeExecutable TaskMode = "executable"
	TaskModeFunction   TaskMode = "function"
)

// RaptorMode is the execution mode RAPTOR uses for a function task,
// per spec.md §4.7.
type RaptorMode string

const (
	RaptorTaskFunction RaptorMode = "TASK_FUNCTION"
	RaptorTaskProc     RaptorMode = "TASK_PROC"
	RaptorTaskEval     RaptorMode = "TASK_EVAL"
	RaptorTaskExec     RaptorMode = "TASK_EXEC"
	RaptorTaskShell    RaptorMode = "TASK_SHELL"
)

// StagingAction is one of the three staging directive verbs.
type StagingAction string

const (
	StagingTransfer StagingAction = "TRANSFER"
	StagingLink     StagingAction = "LINK"
	StagingCopy     StagingAction = "COPY"
)

// StagingDirective describes one input or output staging action.
type StagingDirective struct {
	Action StagingAction
	Source string // URL: client://, session://, pilot://, task://, or a bare path
	Target string
}

// State is a task's position in the total state order (spec.md §4.2).
// A task never goes backward; every transition is published exactly
// once.
type State string

const (
	StateNew                       State = "NEW"
	StateAgentStagingInputPending  State = "AGENT_STAGING_INPUT_PENDING"
	StateAgentStagingInput         State = "AGENT_STAGING_INPUT"
	StateAgentSchedulingPending    State = "AGENT_SCHEDULING_PENDING"
	StateAgentScheduling           State = "AGENT_SCHEDULING"
	StateAgentExecutingPending     State = "AGENT_EXECUTING_PENDING"
	StateAgentExecuting            State = "AGENT_EXECUTING"
	StateAgentStagingOutputPending State = "AGENT_STAGING_OUTPUT_PENDING"
	StateAgentStagingOutput        State = "AGENT_STAGING_OUTPUT"
	StateDone                      State = "DONE"
	StateFailed                    State = "FAILED"
	StateCanceled                  State = "CANCELED"
)

// stateOrder gives every state on the forward path, from NEW through
// DONE, its position in the total
// order so monotonic-state checks (spec.md §8 invariant 3) can be
// verified without hard-coding the graph twice.
var stateOrder = map[State]int{
	StateNew:                       0,
	StateAgentStagingInputPending:  1,
	StateAgentStagingInput:         2,
	StateAgentSchedulingPending:    3,
	StateAgentScheduling:           4,
	StateAgentExecutingPending:     5,
	StateAgentExecuting:            6,
	StateAgentStagingOutputPending: 7,
	StateAgentStagingOutput:        8,
	StateDone:                      9,
}

// IsTerminal reports whether a state is one a task never leaves.
func IsTerminal(s State) bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// ValidTransition reports whether moving from `from` to `to` respects
// the total order: terminal states never leave, and non-terminal states
// only move forward. AGENT_SCHEDULING_PENDING may re-enter itself since
// it is the fixed point a task revisits while waiting on resources.
func ValidTransition(from, to State) bool {
	if IsTerminal(from) {
		return false
	}
	if IsTerminal(to) {
		return true
	}
	if from == StateAgentSchedulingPending && to == StateAgentSchedulingPending {
		return true
	}
	fo, fok := stateOrder[from]
	to2, tok := stateOrder[to]
	if !fok || !tok {
		return false
	}
	return to2 >= fo
}

// EventSource identifies which layer of the system a state message
// concerns (spec.md §6).
type EventSource string

const (
	EventSession EventSource = "session"
	EventPMGR    EventSource = "pmgr"
	EventPilot   EventSource = "pilot"
	EventTMGR    EventSource = "tmgr"
	EventTask    EventSource = "task"
)

// TaskDescription is the immutable description of a task as submitted
// by the client. The agent mutates only Task's State/Slots/ExitCode/
// timestamps fields, never the description.
type TaskDescription struct {
	Executable   string
	Arguments    []string
	Environment  map[string]string
	NamedEnv     string
	Ranks        int
	CoresPerRank int
	GPUsPerRank  int
	Threading    ThreadingType
	MemPerRank   int64 // MB
	LFSPerRank   int64 // bytes
	PreExec      []string
	PostExec     []string
	PreLaunch    []string
	PostLaunch   []string

	InputStaging  []StagingDirective
	OutputStaging []StagingDirective

	Stdout  string
	Stderr  string
	Sandbox string
	Tags    map[string]string

	// Function-task fields, used only when Mode == TaskModeFunction.
	Mode         TaskMode
	RaptorMode   RaptorMode
	FunctionID   string
	FunctionArgs []interface{}
}

// Task is a unit of work flowing through the pipeline, identified by
// UID. The agent mutates only State, Slots, ExitCode and the
// timestamps; a task is destroyed only when its owning session ends.
type Task struct {
	UID         string
	Description TaskDescription

	State State
	Slots Slots

	ExitCode int
	Error    string

	CreatedAt   time.Time
	ScheduledAt time.Time
	StartedAt   time.Time
	StoppedAt   time.Time
}

// StateMessage is the wire shape of a single state transition notice
// published by the Update component (spec.md §6).
type StateMessage struct {
	UID     string
	EType   EventSource
	State   State
	Ts      time.Time
	Details string
}

// ControlOp enumerates administrative commands (spec.md §4.6).
type ControlOp string

const (
	ControlCancelTask  ControlOp = "cancel_task"
	ControlCancelPilot ControlOp = "cancel_pilot"
	ControlShutdown    ControlOp = "shutdown"
)

// ControlCommand is a message carried on the Control pubsub.
type ControlCommand struct {
	Op   ControlOp
	UIDs []string
}

// UnscheduleEvent is published when a task's slots become free again,
// re-driving the scheduler's pending queue.
type UnscheduleEvent struct {
	TaskUID string
	Slots   Slots
}
