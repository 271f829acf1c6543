package bridge

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// TaskSubmission is the wire shape of a task handed to the agent by an
// external client (spec.md §6's task sandbox / submission boundary).
type TaskSubmission struct {
	UID         string                 `json:"uid"`
	Executable  string                 `json:"executable"`
	Arguments   []string               `json:"arguments,omitempty"`
	Environment map[string]string      `json:"environment,omitempty"`
	Ranks       int                    `json:"ranks"`
	CoresPerRank int                   `json:"cores_per_rank"`
	GPUsPerRank  int                   `json:"gpus_per_rank"`
	Threading    string                `json:"threading,omitempty"`
	MemPerRank   int64                 `json:"mem_per_rank,omitempty"`
	LFSPerRank   int64                 `json:"lfs_per_rank,omitempty"`
	PreExec      []string              `json:"pre_exec,omitempty"`
	PostExec     []string              `json:"post_exec,omitempty"`
	PreLaunch    []string              `json:"pre_launch,omitempty"`
	PostLaunch   []string              `json:"post_launch,omitempty"`
	InputStaging []StagingDirective    `json:"input_staging,omitempty"`
	OutputStaging []StagingDirective   `json:"output_staging,omitempty"`
	Mode         string                `json:"mode,omitempty"`
	RaptorMode   string                `json:"raptor_mode,omitempty"`
	FunctionID   string                `json:"function_id,omitempty"`
	FunctionArgs []interface{}         `json:"function_args,omitempty"`
}

// StagingDirective mirrors types.StagingDirective over the wire.
type StagingDirective struct {
	Action string `json:"action"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// ToTask converts a submission into an internal Task in state NEW.
func (s *TaskSubmission) ToTask() *types.Task {
	desc := types.TaskDescription{
		Executable:    s.Executable,
		Arguments:     s.Arguments,
		Environment:   s.Environment,
		Ranks:         s.Ranks,
		CoresPerRank:  s.CoresPerRank,
		GPUsPerRank:   s.GPUsPerRank,
		Threading:     types.ThreadingType(s.Threading),
		MemPerRank:    s.MemPerRank,
		LFSPerRank:    s.LFSPerRank,
		PreExec:       s.PreExec,
		PostExec:      s.PostExec,
		PreLaunch:     s.PreLaunch,
		PostLaunch:    s.PostLaunch,
		Mode:          types.TaskMode(s.Mode),
		RaptorMode:    types.RaptorMode(s.RaptorMode),
		FunctionID:    s.FunctionID,
		FunctionArgs:  s.FunctionArgs,
	}
	for _, d := range s.InputStaging {
		desc.InputStaging = append(desc.InputStaging, types.StagingDirective{
			Action: types.StagingAction(d.Action), Source: d.Source, Target: d.Target,
		})
	}
	for _, d := range s.OutputStaging {
		desc.OutputStaging = append(desc.OutputStaging, types.StagingDirective{
			Action: types.StagingAction(d.Action), Source: d.Source, Target: d.Target,
		})
	}
	if desc.Mode == "" {
		desc.Mode = types.TaskModeExecutable
	}
	return &types.Task{UID: s.UID, Description: desc, State: types.StateNew, CreatedAt: time.Now()}
}

// CancelRequest carries a control command across the wire.
type CancelRequest struct {
	Op   string   `json:"op"`
	UIDs []string `json:"uids,omitempty"`
}

// Ack is the generic response to a mutating RPC.
type Ack struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Empty is an argument-less request.
type Empty struct{}

// StateUpdate is the wire shape of one state-message notice
// (spec.md §6: `{uid, etype, state, ts, details}`).
type StateUpdate struct {
	UID     string                `json:"uid"`
	EType   string                `json:"etype"`
	State   string                `json:"state"`
	Ts      *timestamppb.Timestamp `json:"ts"`
	Details string                `json:"details,omitempty"`
}

func stateUpdateFrom(msg types.StateMessage) StateUpdate {
	return StateUpdate{
		UID:     msg.UID,
		EType:   string(msg.EType),
		State:   string(msg.State),
		Ts:      timestamppb.New(msg.Ts),
		Details: msg.Details,
	}
}

// PollRequest asks for every update recorded after Since.
type PollRequest struct {
	Since uint64 `json:"since"`
}

// PollResponse returns the requested updates plus the new high-water
// index to pass as the next request's Since.
type PollResponse struct {
	Updates []StateUpdate `json:"updates,omitempty"`
	Last    uint64        `json:"last"`
}
