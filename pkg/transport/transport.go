// Package transport implements the durable, strictly-ordered message
// log the agent's pipeline stages and its external bridge replay from,
// standing in for the MongoDB-backed state bridge spec.md §9 treats as
// an opaque ordered transport external to the agent's own design.
//
// It runs Raft as a single-voter cluster local to the pilot process:
// not for consensus across machines (the agent has no peers), but to
// get a crash-consistent, monotonically-indexed commit log with
// snapshotting for free from a library the rest of the ecosystem
// already trusts for exactly that property.
package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/radical-cybertools/rp-agent/pkg/log"
)

// Transport owns the Raft instance, its FSM and its durable Record log.
type Transport struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store Store
}

// Config configures a Transport.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// New opens the transport's stores and starts Raft, bootstrapping a
// fresh single-node cluster if dataDir has no prior state.
func New(cfg Config) (*Transport, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create transport data dir: %w", err)
	}

	store, err := NewBoltStore(filepath.Join(cfg.DataDir, "records.db"))
	if err != nil {
		return nil, err
	}

	fsm := NewFSM(store)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("resolve transport bind address: %w", err)
	}

	raftTransport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create raft log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, raftTransport)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return nil, fmt.Errorf("inspect existing raft state: %w", err)
	}
	if !hasState {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: raftTransport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("bootstrap transport cluster: %w", err)
		}
	}

	t := &Transport{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		raft:     r,
		fsm:      fsm,
		store:    store,
	}

	log.WithComponent("transport").Info().
		Str("node_id", cfg.NodeID).
		Str("data_dir", cfg.DataDir).
		Msg("transport log ready")

	return t, nil
}

// Append commits a Record of the given op and payload, blocking until
// Raft has durably logged it, and returns the index it was assigned.
func (t *Transport) Append(op string, payload interface{}) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal transport payload: %w", err)
	}
	body, err := json.Marshal(Record{Op: op, Data: data})
	if err != nil {
		return 0, fmt.Errorf("marshal transport record: %w", err)
	}

	future := t.raft.Apply(body, 5*time.Second)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("apply transport record: %w", err)
	}
	applied, ok := future.Response().(Record)
	if !ok {
		return 0, fmt.Errorf("unexpected apply response type %T", future.Response())
	}
	return applied.Index, nil
}

// Since returns every record committed after afterIndex, in order —
// the resync primitive a restarted bridge client or pubsub subscriber
// uses to catch up on everything it missed.
func (t *Transport) Since(afterIndex uint64) ([]Record, error) {
	return t.store.List(afterIndex)
}

// LastIndex returns the highest committed record index.
func (t *Transport) LastIndex() (uint64, error) {
	return t.store.LastIndex()
}

// IsLeader reports whether this node currently holds the Raft leadership
// (always true once bootstrap completes, since the transport runs as a
// single-voter cluster).
func (t *Transport) IsLeader() bool {
	return t.raft.State() == raft.Leader
}

// Shutdown stops Raft and closes the underlying store.
func (t *Transport) Shutdown() error {
	if err := t.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("shutdown raft: %w", err)
	}
	return t.store.Close()
}
