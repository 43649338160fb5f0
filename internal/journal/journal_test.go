package journal

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/quarrylab/quarry/internal/graph"
	"github.com/quarrylab/quarry/internal/protocol"
)

func openTestJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return j
}

func TestAppendAndReplayOrder(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)

	records := []graph.Record{
		{Seq: 1, Session: "s1", Kind: graph.RecordOpenSession},
		{Seq: 2, Session: "s1", Kind: graph.RecordSubmit, Payload: []byte(`{}`)},
		{Seq: 3, Session: "s1", Kind: graph.RecordObjectFinished, Entity: "o1", Payload: []byte(`{"size":9}`)},
	}
	if err := j.Append(records[:2]); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append(records[2:]); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen and replay: same records, same order.
	j = openTestJournal(t, dir)
	defer j.Close()
	got, err := j.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("replayed %d records, want %d", len(got), len(records))
	}
	for i, rec := range got {
		if rec.Seq != records[i].Seq || rec.Kind != records[i].Kind || rec.Entity != records[i].Entity {
			t.Fatalf("record %d mismatch: %+v", i, rec)
		}
	}
}

func TestAppendEmptyIsNoop(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	defer j.Close()
	if err := j.Append(nil); err != nil {
		t.Fatalf("append nil: %v", err)
	}
}

func TestClosedJournalRejectsWrites(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	j.Close()
	err := j.Append([]graph.Record{{Seq: 1, Session: "s1", Kind: graph.RecordOpenSession}})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestJournalDrivesGraphRestore(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)

	live := graph.New(graph.DefaultConfig(), zerolog.Nop())
	live.OpenSession("s1")
	live.SubmitGraph("s1",
		[]protocol.TaskSpec{{
			ID: "A", Op: protocol.OpConcat, CPUs: 1,
			Inputs:  []protocol.ObjectRef{{ID: "L"}},
			Outputs: []protocol.ObjectRef{{ID: "O1"}},
		}},
		[]protocol.ObjectSpec{{ID: "L", Data: []byte("seed")}})
	live.MarkTaskAssigned("s1", "A", "gov1")
	live.MarkTaskRunning("s1", "A")
	live.MarkTaskFinished("s1", "A", "gov1", []graph.OutputSize{{ID: "O1", Size: 4}})

	if err := j.Append(live.Drain().Records); err != nil {
		t.Fatalf("append: %v", err)
	}
	j.Close()

	// Cold start: replay from disk into a fresh state machine.
	j = openTestJournal(t, dir)
	defer j.Close()
	records, err := j.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	restored := graph.New(graph.DefaultConfig(), zerolog.Nop())
	if err := restored.Restore(records); err != nil {
		t.Fatalf("restore: %v", err)
	}

	a, err := restored.TaskInfo("s1", "A")
	if err != nil {
		t.Fatalf("task info: %v", err)
	}
	if a.State != graph.TaskFinished {
		t.Fatalf("A state=%s after cold restore", a.State)
	}
	o1, err := restored.ObjectInfo("s1", "O1")
	if err != nil {
		t.Fatalf("object info: %v", err)
	}
	if o1.State != graph.ObjectFinished || o1.Size != 4 {
		t.Fatalf("O1 after cold restore: %+v", o1)
	}
}
