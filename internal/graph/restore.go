package graph

import (
	"encoding/json"
	"fmt"

	"github.com/quarrylab/quarry/internal/protocol"
)

// Restore rebuilds state by replaying journal records in sequence order.
// Replay produces no records and no instructions; it must leave the
// state machine exactly where the live run that wrote the journal did,
// modulo assignment and residency, which are rebuilt at runtime.
func (s *State) Restore(records []Record) error {
	s.restoring = true
	defer func() { s.restoring = false }()

	for _, rec := range records {
		if err := s.applyRecord(rec); err != nil {
			return fmt.Errorf("graph: replay seq %d (%s): %w", rec.Seq, rec.Kind, err)
		}
		if rec.Seq > s.nextSeq {
			s.nextSeq = rec.Seq
		}
	}
	return nil
}

func (s *State) applyRecord(rec Record) error {
	switch rec.Kind {
	case RecordOpenSession:
		return s.OpenSession(rec.Session)
	case RecordSubmit:
		var p submitPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		tasks := make([]protocol.TaskSpec, 0, len(p.Tasks))
		for _, t := range p.Tasks {
			tasks = append(tasks, t.Spec)
		}
		objects := make([]protocol.ObjectSpec, 0, len(p.Objects))
		for _, o := range p.Objects {
			objects = append(objects, protocol.ObjectSpec{ID: o.ID, Keep: o.Keep, Data: o.Data})
		}
		_, _, err := s.SubmitGraph(rec.Session, tasks, objects)
		return err
	case RecordObjectFinished:
		var p objectFinishedPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		return s.MarkObjectFinished(rec.Session, rec.Entity, "", p.Size)
	case RecordTaskFinished:
		var p taskFinishedPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		outputs := make([]OutputSize, 0, len(p.Outputs))
		for _, o := range p.Outputs {
			outputs = append(outputs, OutputSize{ID: o.ID, Size: o.Size})
		}
		return s.MarkTaskFinished(rec.Session, rec.Entity, "", outputs)
	case RecordTaskFailed:
		var p taskFailedPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		return s.MarkTaskFailed(rec.Session, rec.Entity, p.Reason, false)
	case RecordKeep:
		return s.Keep(rec.Session, rec.Entity)
	case RecordRelease:
		return s.Release(rec.Session, rec.Entity)
	case RecordCloseSession:
		return s.CloseSession(rec.Session)
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

// ReadyTasks lists every task currently in the Ready state, used to
// reprime the scheduler after a restart.
func (s *State) ReadyTasks() []Task {
	var out []Task
	for _, sess := range s.sessions {
		for _, t := range sess.Tasks {
			if t.State == TaskReady {
				out = append(out, *t)
			}
		}
	}
	return out
}
