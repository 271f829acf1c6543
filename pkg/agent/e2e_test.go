package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/raptor"
	"github.com/radical-cybertools/rp-agent/pkg/resource"
	"github.com/radical-cybertools/rp-agent/pkg/sandbox"
	"github.com/radical-cybertools/rp-agent/pkg/scheduler"
	"github.com/radical-cybertools/rp-agent/pkg/transport"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// e2eHarness wires a full Agent over a FORK-only platform and exposes
// the bits a scenario needs to drive and observe it: the sandbox
// resolver (to find a task's output files) and a direct subscription
// to the STATE pubsub (to wait for a task to reach a terminal state
// without guessing at timing).
type e2eHarness struct {
	agent    *Agent
	resolver *sandbox.Resolver
	states   chan types.StateMessage
	cancel   context.CancelFunc
}

func newE2EHarness(t *testing.T, nodes int, coresPerNode int, blockedCores []int) *e2eHarness {
	t.Helper()
	return newE2EHarnessWithConfig(t, nodes, coresPerNode, blockedCores, func(cfg *Config) {})
}

// newE2EHarnessWithConfig is newE2EHarness with a hook to tweak Config
// before the agent boots, for scenarios (RAPTOR) that need fields
// beyond the base FORK platform.
func newE2EHarnessWithConfig(t *testing.T, nodes int, coresPerNode int, blockedCores []int, tweak func(*Config)) *e2eHarness {
	t.Helper()

	resolver := sandbox.NewResolver(t.TempDir(), t.TempDir(), t.TempDir())
	manifest := make(resource.Manifest, nodes)
	for i := range manifest {
		manifest[i] = "localhost"
	}

	platform := config.Platform{
		ResourceManager: config.ResourceManagerFORK,
		CoresPerNode:    coresPerNode,
		SystemArchitecture: config.SystemArchitecture{
			BlockedCores: blockedCores,
		},
		LaunchMethods: config.LaunchMethods{
			Order:   []string{"FORK"},
			Methods: map[string]config.LaunchMethodConfig{},
		},
	}

	cfg := Config{
		PilotID:      "pilot.e2e",
		PlatformName: "test.fork",
		Platform:     platform,
		Manifest:     manifest,
		Sandbox:      resolver,
		Transport: transport.Config{
			NodeID:   "e2e-node",
			BindAddr: "127.0.0.1:0",
			DataDir:  t.TempDir(),
		},
		CancelGrace: 200 * time.Millisecond,
	}
	tweak(&cfg)

	a, err := New(cfg)
	require.NoError(t, err)

	states := a.stateBroker.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))

	h := &e2eHarness{agent: a, resolver: resolver, states: states, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		a.Stop()
	})
	return h
}

// waitForState blocks until uid is observed in one of want, or fails
// the test after timeout. Returns the matching message.
func (h *e2eHarness) waitForState(t *testing.T, uid string, timeout time.Duration, want ...types.State) types.StateMessage {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-h.states:
			if msg.UID != uid {
				continue
			}
			for _, w := range want {
				if msg.State == w {
					return msg
				}
			}
		case <-deadline:
			t.Fatalf("task %s did not reach %v within %s", uid, want, timeout)
		}
	}
}

func (h *e2eHarness) outputFile(uid string) string {
	return filepath.Join(h.resolver.TaskSandbox(uid), uid+".out")
}

func (h *e2eHarness) errorFile(uid string) string {
	return filepath.Join(h.resolver.TaskSandbox(uid), uid+".err")
}

func submit(t *testing.T, h *e2eHarness, uid string, desc types.TaskDescription) {
	t.Helper()
	task := &types.Task{UID: uid, Description: desc, State: types.StateNew}
	require.NoError(t, h.agent.SubmitTask(context.Background(), task))
}

// TestScenarioSingleNodeSerial is S1: a 1-node x 4-core platform runs
// four independent single-rank tasks to completion, each producing a
// real date string on stdout.
func TestScenarioSingleNodeSerial(t *testing.T) {
	h := newE2EHarness(t, 1, 4, nil)

	uids := []string{"s1.t0", "s1.t1", "s1.t2", "s1.t3"}
	for _, uid := range uids {
		submit(t, h, uid, types.TaskDescription{Executable: "date", Ranks: 1, CoresPerRank: 1})
	}

	for _, uid := range uids {
		h.waitForState(t, uid, 10*time.Second, types.StateDone, types.StateFailed)
		out, err := os.ReadFile(h.outputFile(uid))
		require.NoError(t, err, "uid=%s", uid)
		require.NotEmpty(t, strings.TrimSpace(string(out)), "uid=%s produced no date output", uid)
	}
}

// TestScenarioUnschedulable is S3: a task asking for more ranks than
// the allocation could ever hold fails immediately as Unschedulable
// and never touches a slot.
func TestScenarioUnschedulable(t *testing.T) {
	h := newE2EHarness(t, 2, 4, nil)

	submit(t, h, "s3.big", types.TaskDescription{
		Executable: "date", Ranks: 9, CoresPerRank: 1, Threading: types.ThreadingMPI,
	})

	msg := h.waitForState(t, "s3.big", 5*time.Second, types.StateFailed)
	require.Contains(t, msg.Details, "unschedulable")
}

// TestScenarioFailedExecutable is S4: a nonexistent executable fails
// the task with a nonzero exit and a "not found" diagnostic, and its
// slots are released for reuse.
func TestScenarioFailedExecutable(t *testing.T) {
	h := newE2EHarness(t, 1, 4, nil)

	submit(t, h, "s4.bad", types.TaskDescription{Executable: "data", Ranks: 1, CoresPerRank: 1})
	h.waitForState(t, "s4.bad", 10*time.Second, types.StateFailed)

	errOut, err := os.ReadFile(h.errorFile("s4.bad"))
	require.NoError(t, err)
	require.Contains(t, strings.ToLower(string(errOut)), "not found")

	// Slots freed: a second task of the same shape must still place.
	submit(t, h, "s4.after", types.TaskDescription{Executable: "date", Ranks: 1, CoresPerRank: 1})
	h.waitForState(t, "s4.after", 10*time.Second, types.StateDone)
}

// TestScenarioCancelInFlight is S5: canceling a long-running task kills
// its child, moves it to CANCELED well within the bound, and frees its
// slots for the next task.
func TestScenarioCancelInFlight(t *testing.T) {
	h := newE2EHarness(t, 1, 1, nil)

	submit(t, h, "s5.sleeper", types.TaskDescription{Executable: "sleep", Arguments: []string{"60"}, Ranks: 1, CoresPerRank: 1})
	h.waitForState(t, "s5.sleeper", 5*time.Second, types.StateAgentExecuting)

	time.Sleep(200 * time.Millisecond)
	h.agent.CancelTask("s5.sleeper")

	start := time.Now()
	h.waitForState(t, "s5.sleeper", 10*time.Second, types.StateCanceled)
	require.Less(t, time.Since(start), 10*time.Second)

	submit(t, h, "s5.after", types.TaskDescription{Executable: "date", Ranks: 1, CoresPerRank: 1})
	h.waitForState(t, "s5.after", 10*time.Second, types.StateDone)
}

// TestScenarioBlockedCoresHonored is S6: a blocked core is never
// reported busy and holds the allocation's capacity down by one, so
// the fourth of four single-core tasks on a 4-core node with core 0
// blocked must wait for one of the other three to finish first.
func TestScenarioBlockedCoresHonored(t *testing.T) {
	h := newE2EHarness(t, 1, 4, []int{0})

	uids := []string{"s6.t0", "s6.t1", "s6.t2", "s6.t3"}
	for _, uid := range uids {
		submit(t, h, uid, types.TaskDescription{
			Executable: "sleep", Arguments: []string{"1"}, Ranks: 1, CoresPerRank: 1,
		})
	}

	for _, uid := range uids {
		h.waitForState(t, uid, 15*time.Second, types.StateDone, types.StateFailed)
	}

	node := h.agent.resources.Nodes()[0]
	require.Equal(t, types.SlotBlocked, node.Cores[0].State, "blocked core must never be handed out")
}

// TestScenarioRaptorFunctionDispatch confirms a function-mode task
// submitted through Agent.SubmitTask bypasses staging, scheduling and
// the Executor entirely and is instead picked up by a raptor.Worker,
// which invokes the registered Function directly (spec.md §4.7/§4.8).
func TestScenarioRaptorFunctionDispatch(t *testing.T) {
	called := make(chan []interface{}, 1)
	functions := raptor.FunctionRegistry{
		"double": func(args []interface{}) (interface{}, error) {
			called <- args
			return nil, nil
		},
	}

	h := newE2EHarnessWithConfig(t, 1, 4, nil, func(cfg *Config) {
		cfg.RaptorWorkers = 1
		cfg.RaptorHeartbeat = 50 * time.Millisecond
		cfg.RaptorLossThreshold = 3
		cfg.RaptorFunctions = functions
	})

	submit(t, h, "raptor.t0", types.TaskDescription{
		Mode:         types.TaskModeFunction,
		RaptorMode:   types.RaptorTaskFunction,
		FunctionID:   "double",
		FunctionArgs: []interface{}{float64(21)},
	})

	select {
	case args := <-called:
		require.Equal(t, []interface{}{float64(21)}, args)
	case <-time.After(5 * time.Second):
		t.Fatal("raptor worker never invoked the registered function")
	}

	h.waitForState(t, "raptor.t0", 5*time.Second, types.StateDone, types.StateFailed)
}

// TestScenarioRaptorFunctionRejectedWithoutWorkers confirms a
// function-mode task submitted to an agent with no RAPTOR workers
// configured fails fast with a clear error instead of silently
// falling through to staging, where it would fail opaquely as a FORK
// task with an empty Executable.
func TestScenarioRaptorFunctionRejectedWithoutWorkers(t *testing.T) {
	h := newE2EHarness(t, 1, 4, nil)

	task := &types.Task{
		UID:         "raptor.norkers",
		Description: types.TaskDescription{Mode: types.TaskModeFunction, FunctionID: "double"},
		State:       types.StateNew,
	}
	err := h.agent.SubmitTask(context.Background(), task)
	require.Error(t, err)
}

// TestResourceMapConservationAndNoOversubscription exercises invariants
// 1 and 2 directly against ResourceMap: slot counts are conserved
// across acquire/release, and two concurrently-held placements never
// share a slot.
func TestResourceMapConservationAndNoOversubscription(t *testing.T) {
	nodes := []*types.Node{
		{ID: "n0", Cores: makeCores(4), GPUs: nil},
	}
	rm := scheduler.NewResourceMap(nodes)

	a, err := rm.Place(types.TaskDescription{Ranks: 1, CoresPerRank: 2})
	require.NoError(t, err)
	b, err := rm.Place(types.TaskDescription{Ranks: 1, CoresPerRank: 2})
	require.NoError(t, err)

	aRefs := make(map[int]bool)
	for _, ref := range a.AllRefs() {
		aRefs[ref.Index] = true
	}
	for _, ref := range b.AllRefs() {
		require.False(t, aRefs[ref.Index], "slot %d held by both placements", ref.Index)
	}

	require.NoError(t, rm.Release(a))
	require.NoError(t, rm.Release(b))
	require.Equal(t, 0, rm.BusySlots())
}

func makeCores(n int) []*types.Slot {
	cores := make([]*types.Slot, n)
	for i := range cores {
		cores[i] = &types.Slot{Kind: types.SlotKindCore, Index: i, State: types.SlotFree}
	}
	return cores
}
