package transport

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
)

// FSM applies committed Raft log entries to a Store. It is the
// transport's finite-state machine, the same role WarrenFSM plays for
// cluster CRUD, here narrowed to one operation: append an opaque
// Record at the index Raft assigned its log entry.
type FSM struct {
	store Store
}

// NewFSM builds an FSM writing into store.
func NewFSM(store Store) *FSM {
	return &FSM{store: store}
}

// Apply is invoked by Raft once a log entry commits. log.Data is the
// JSON-encoded Record body (Op/Data); log.Index becomes the Record's
// Index, giving every caller the same total order Raft agreed on.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var r Record
	if err := json.Unmarshal(log.Data, &r); err != nil {
		return fmt.Errorf("unmarshal transport record: %w", err)
	}
	r.Index = log.Index
	if err := f.store.Append(r); err != nil {
		return fmt.Errorf("append transport record: %w", err)
	}
	return r
}

// Snapshot captures the full record log so Raft can compact its own
// log file without losing replay history.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	records, err := f.store.List(0)
	if err != nil {
		return nil, fmt.Errorf("list records for snapshot: %w", err)
	}
	return &snapshot{records: records}, nil
}

// Restore replays a prior snapshot's records into the store.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var records []Record
	if err := json.NewDecoder(rc).Decode(&records); err != nil {
		return fmt.Errorf("decode transport snapshot: %w", err)
	}
	for _, r := range records {
		if err := f.store.Append(r); err != nil {
			return fmt.Errorf("restore record %d: %w", r.Index, err)
		}
	}
	return nil
}

type snapshot struct {
	records []Record
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.records); err != nil {
		sink.Cancel()
		return fmt.Errorf("persist transport snapshot: %w", err)
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
