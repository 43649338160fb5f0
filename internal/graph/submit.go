package graph

import (
	"fmt"

	"github.com/quarrylab/quarry/internal/protocol"
)

type taskSubmit struct {
	Spec protocol.TaskSpec `json:"spec"`
}

type objectSubmit struct {
	ID   string `json:"id"`
	Keep bool   `json:"keep,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// SubmitGraph atomically validates and inserts a batch of tasks and
// objects. On any validation failure nothing from the batch enters the
// session. Tasks whose inputs are all Finished start Ready, the rest
// Waiting. Client-provided objects (with Data) are Finished on arrival.
func (s *State) SubmitGraph(session string, tasks []protocol.TaskSpec, objects []protocol.ObjectSpec) (taskIDs, objectIDs []string, err error) {
	sess, err := s.openSession(session)
	if err != nil {
		return nil, nil, err
	}

	if err := validateSubmission(sess, tasks, objects); err != nil {
		return nil, nil, err
	}

	s.insertSubmission(sess, tasks, objects)

	s.appendRecord(session, RecordSubmit, "", buildSubmitPayload(tasks, objects))

	for _, t := range tasks {
		taskIDs = append(taskIDs, t.ID)
	}
	for _, o := range objects {
		objectIDs = append(objectIDs, o.ID)
	}
	for _, t := range tasks {
		for _, out := range t.Outputs {
			objectIDs = append(objectIDs, out.ID)
		}
	}
	return taskIDs, objectIDs, nil
}

func validateSubmission(sess *Session, tasks []protocol.TaskSpec, objects []protocol.ObjectSpec) error {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, o := range objects {
		if err := o.Validate(); err != nil {
			return err
		}
	}

	// Producer map for everything arriving in this batch.
	newObjects := make(map[string]string) // object id -> producing task ("" for literals)
	for _, o := range objects {
		if _, dup := newObjects[o.ID]; dup {
			return fmt.Errorf("%w: object %s", ErrDuplicateID, o.ID)
		}
		newObjects[o.ID] = ""
	}
	for _, t := range tasks {
		if _, exists := sess.Tasks[t.ID]; exists {
			return fmt.Errorf("%w: task %s", ErrDuplicateID, t.ID)
		}
		for _, out := range t.Outputs {
			if _, dup := newObjects[out.ID]; dup {
				return fmt.Errorf("%w: object %s", ErrDuplicateID, out.ID)
			}
			newObjects[out.ID] = t.ID
		}
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("%w: task %s", ErrDuplicateID, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	for id := range newObjects {
		if _, exists := sess.Objects[id]; exists {
			return fmt.Errorf("%w: object %s", ErrDuplicateID, id)
		}
		if _, dead := sess.tombstones[id]; dead {
			return fmt.Errorf("%w: object id %s was removed and may not be reused", ErrDuplicateID, id)
		}
	}

	// Every input must resolve to a known or concurrently submitted object.
	for _, t := range tasks {
		for _, in := range t.Inputs {
			if _, ok := sess.Objects[in.ID]; ok {
				continue
			}
			if _, ok := newObjects[in.ID]; ok {
				continue
			}
			return fmt.Errorf("%w: task %s input %s", ErrUnknownInput, t.ID, in.ID)
		}
	}

	return rejectCycles(tasks, newObjects)
}

// rejectCycles runs Kahn's algorithm over the submitted tasks, treating
// an edge from producer to consumer through each in-batch object.
func rejectCycles(tasks []protocol.TaskSpec, newObjects map[string]string) error {
	indegree := make(map[string]int, len(tasks))
	edges := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] += 0
		for _, in := range t.Inputs {
			producer, inBatch := newObjects[in.ID]
			if !inBatch || producer == "" {
				continue
			}
			edges[producer] = append(edges[producer], t.ID)
			indegree[t.ID]++
		}
	}

	queue := make([]string, 0, len(tasks))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(tasks) {
		return ErrGraphCycle
	}
	return nil
}

func (s *State) insertSubmission(sess *Session, tasks []protocol.TaskSpec, objects []protocol.ObjectSpec) {
	for _, spec := range objects {
		o := &Object{
			ID:            spec.ID,
			Session:       sess.ID,
			State:         ObjectUnfinished,
			Keep:          spec.Keep,
			Residency:     make(map[string]struct{}),
			consumerTasks: make(map[string]struct{}),
		}
		if len(spec.Data) > 0 {
			o.Literal = true
			o.Data = append([]byte(nil), spec.Data...)
			o.Size = uint64(len(spec.Data))
			o.State = ObjectFinished
		}
		sess.Objects[spec.ID] = o
	}

	for _, spec := range tasks {
		for _, out := range spec.Outputs {
			sess.Objects[out.ID] = &Object{
				ID:            out.ID,
				Session:       sess.ID,
				State:         ObjectUnfinished,
				Producer:      spec.ID,
				Residency:     make(map[string]struct{}),
				consumerTasks: make(map[string]struct{}),
			}
		}
	}

	for _, spec := range tasks {
		t := &Task{
			ID:      spec.ID,
			Session: sess.ID,
			Spec:    spec,
			State:   TaskWaiting,
		}
		for _, in := range spec.Inputs {
			obj := sess.Objects[in.ID]
			obj.Consumers++
			obj.consumerTasks[spec.ID] = struct{}{}
			if obj.State != ObjectFinished {
				t.UnmetInputs++
			}
		}
		sess.Tasks[spec.ID] = t
		if t.UnmetInputs == 0 {
			t.State = TaskReady
			s.queue(TaskBecameReady{Session: sess.ID, TaskID: t.ID})
		}
	}
}

func buildSubmitPayload(tasks []protocol.TaskSpec, objects []protocol.ObjectSpec) submitPayload {
	p := submitPayload{}
	for _, t := range tasks {
		p.Tasks = append(p.Tasks, taskSubmit{Spec: t})
	}
	for _, o := range objects {
		p.Objects = append(p.Objects, objectSubmit{ID: o.ID, Keep: o.Keep, Data: o.Data})
	}
	return p
}
