package transport

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStoreAppendAndList(t *testing.T) {
	s := openTestStore(t)

	for i := uint64(1); i <= 3; i++ {
		data, _ := json.Marshal(map[string]uint64{"n": i})
		if err := s.Append(Record{Index: i, Op: "task_state", Data: data}); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	records, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("List returned %d records, want 3", len(records))
	}
	for i, r := range records {
		if r.Index != uint64(i+1) {
			t.Errorf("records[%d].Index = %d, want %d", i, r.Index, i+1)
		}
	}
}

func TestBoltStoreListAfterIndex(t *testing.T) {
	s := openTestStore(t)
	for i := uint64(1); i <= 5; i++ {
		_ = s.Append(Record{Index: i, Op: "task_state"})
	}

	records, err := s.List(3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List(3) returned %d records, want 2", len(records))
	}
	if records[0].Index != 4 || records[1].Index != 5 {
		t.Errorf("unexpected indices: %+v", records)
	}
}

func TestBoltStoreLastIndex(t *testing.T) {
	s := openTestStore(t)

	last, err := s.LastIndex()
	if err != nil {
		t.Fatalf("LastIndex: %v", err)
	}
	if last != 0 {
		t.Errorf("LastIndex() on empty store = %d, want 0", last)
	}

	_ = s.Append(Record{Index: 7, Op: "task_state"})
	last, err = s.LastIndex()
	if err != nil {
		t.Fatalf("LastIndex: %v", err)
	}
	if last != 7 {
		t.Errorf("LastIndex() = %d, want 7", last)
	}
}
