package resource

import (
	"testing"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

func testPlatform() config.Platform {
	return config.Platform{
		CoresPerNode:   4,
		GPUsPerNode:    1,
		LFSPathPerNode: "/tmp",
		LFSSizePerNode: 1000,
		MemPerNode:     2048,
		SystemArchitecture: config.SystemArchitecture{
			BlockedCores: []int{0},
			BlockedGPUs:  []int{},
		},
	}
}

func TestNewManagerBuildsNodesFromManifest(t *testing.T) {
	manifest := Manifest{"node001", "node002"}
	mgr, err := NewManager("frontier", testPlatform(), manifest)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	nodes := mgr.Nodes()
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}
	if nodes[0].Name != "node001" || nodes[1].Name != "node002" {
		t.Errorf("unexpected node names: %+v", nodes)
	}
	if nodes[0].CoresTotal() != 4 || nodes[0].GPUsTotal() != 1 {
		t.Errorf("unexpected slot counts: cores=%d gpus=%d", nodes[0].CoresTotal(), nodes[0].GPUsTotal())
	}
}

func TestNewManagerAppliesBlockedCores(t *testing.T) {
	mgr, err := NewManager("frontier", testPlatform(), Manifest{"node001"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	n := mgr.Nodes()[0]
	if n.Cores[0].State != types.SlotBlocked {
		t.Errorf("core 0 state = %v, want BLOCKED", n.Cores[0].State)
	}
	for i := 1; i < len(n.Cores); i++ {
		if n.Cores[i].State != types.SlotFree {
			t.Errorf("core %d state = %v, want FREE", i, n.Cores[i].State)
		}
	}
}

func TestNewManagerConfigMismatch(t *testing.T) {
	p := testPlatform()
	p.CoresPerNode = 0
	if _, err := NewManager("frontier", p, Manifest{"node001"}); err == nil {
		t.Fatal("expected ConfigMismatchError")
	} else if _, ok := err.(*ConfigMismatchError); !ok {
		t.Errorf("got %T, want *ConfigMismatchError", err)
	}
}

func TestNewManagerEmptyManifest(t *testing.T) {
	if _, err := NewManager("frontier", testPlatform(), nil); err == nil {
		t.Fatal("expected AllocationUnreadableError")
	} else if _, ok := err.(*AllocationUnreadableError); !ok {
		t.Errorf("got %T, want *AllocationUnreadableError", err)
	}
}

func TestLaunchEnvironment(t *testing.T) {
	mgr, err := NewManager("frontier", testPlatform(), Manifest{"node001", "node002"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env := mgr.LaunchEnvironment()
	if env["RP_AGENT_NODELIST"] != "node001,node002" {
		t.Errorf("RP_AGENT_NODELIST = %q", env["RP_AGENT_NODELIST"])
	}
	if env["RP_AGENT_NODECOUNT"] != "2" {
		t.Errorf("RP_AGENT_NODECOUNT = %q", env["RP_AGENT_NODECOUNT"])
	}
}
