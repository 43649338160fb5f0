package graph

import (
	"fmt"
)

// MarkTaskAssigned moves a Ready task onto a chosen governor.
func (s *State) MarkTaskAssigned(session, taskID, governorID string) error {
	sess, err := s.session(session)
	if err != nil {
		return err
	}
	t, ok := sess.Tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if t.State != TaskReady {
		return fmt.Errorf("graph: task %s not ready (state=%s)", taskID, t.State)
	}
	t.State = TaskAssigned
	t.AssignedTo = governorID
	t.LastGovernor = governorID
	return nil
}

// MarkTaskRunning records executor start. Assignment and running state
// are not journaled; after a restart tasks are rescheduled from Ready.
func (s *State) MarkTaskRunning(session, taskID string) error {
	sess, err := s.session(session)
	if err != nil {
		return err
	}
	t, ok := sess.Tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if t.State != TaskAssigned {
		return fmt.Errorf("graph: task %s not assigned (state=%s)", taskID, t.State)
	}
	t.State = TaskRunning
	return nil
}

// MarkObjectFinished transitions an object to Finished, records
// residency, and readies any task whose last unmet input this was.
func (s *State) MarkObjectFinished(session, objectID, governorID string, size uint64) error {
	sess, err := s.session(session)
	if err != nil {
		return err
	}
	o, ok := sess.Objects[objectID]
	if !ok {
		return ErrUnknownObject
	}
	if o.State == ObjectRemoved {
		return nil
	}
	if o.State == ObjectFinished {
		// Duplicate report or an additional replica; converge residency.
		if governorID != "" {
			o.Residency[governorID] = struct{}{}
		}
		return nil
	}

	o.State = ObjectFinished
	o.Size = size
	if governorID != "" {
		o.Residency[governorID] = struct{}{}
	}
	s.appendRecord(session, RecordObjectFinished, objectID, objectFinishedPayload{Size: size})
	s.queue(ObjectResolved{Session: session, ObjectID: objectID, Size: size})

	for taskID := range o.consumerTasks {
		t, ok := sess.Tasks[taskID]
		if !ok || t.State != TaskWaiting {
			continue
		}
		t.UnmetInputs--
		if t.UnmetInputs <= 0 {
			t.UnmetInputs = 0
			t.State = TaskReady
			s.queue(TaskBecameReady{Session: session, TaskID: taskID})
		}
	}

	// An object with no consumers and no keep has nothing waiting on it.
	s.gcCheck(sess, o)
	return nil
}

// MarkTaskFinished transitions the task and each declared output. A late
// report for a closed session or a task already reset by governor loss
// is accepted and dropped.
func (s *State) MarkTaskFinished(session, taskID, governorID string, outputs []OutputSize) error {
	sess, err := s.session(session)
	if err != nil {
		return err
	}
	t, ok := sess.Tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if sess.State == SessionClosed {
		return nil
	}
	if t.State != TaskRunning && t.State != TaskAssigned {
		// During journal replay tasks are never assigned; Ready is the
		// state a finished task replays from.
		if !s.restoring || t.State != TaskReady {
			s.log.Debug().Str("task", taskID).Str("state", string(t.State)).Msg("dropping stale finish report")
			return nil
		}
	}

	t.State = TaskFinished
	if t.AssignedTo != "" {
		s.queue(TaskUnassigned{Session: session, TaskID: taskID, GovernorID: t.AssignedTo})
	}
	t.AssignedTo = ""

	recorded := make([]outputSize, 0, len(outputs))
	sizes := make(map[string]uint64, len(outputs))
	for _, out := range outputs {
		recorded = append(recorded, outputSize{ID: out.ID, Size: out.Size})
		sizes[out.ID] = out.Size
	}
	s.appendRecord(session, RecordTaskFinished, taskID, taskFinishedPayload{Outputs: recorded})

	for _, out := range t.Spec.Outputs {
		if err := s.MarkObjectFinished(session, out.ID, governorID, sizes[out.ID]); err != nil {
			return err
		}
	}

	// The finished task no longer consumes its inputs.
	s.releaseTaskInputRefs(sess, t)
	return nil
}

// OutputSize pairs a produced object with its final byte size.
type OutputSize struct {
	ID   string
	Size uint64
}

// MarkTaskFailed applies retry policy: transient failures (governor
// loss, unreachable input source) requeue without consuming the retry
// budget; deterministic executor failures consume it. A task out of
// budget fails terminally and drags its unproduced descendants down
// with it.
func (s *State) MarkTaskFailed(session, taskID, reason string, transient bool) error {
	sess, err := s.session(session)
	if err != nil {
		return err
	}
	t, ok := sess.Tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if sess.State == SessionClosed {
		return nil
	}
	if t.State != TaskRunning && t.State != TaskAssigned {
		if !s.restoring || (t.State != TaskReady && t.State != TaskWaiting) {
			s.log.Debug().Str("task", taskID).Str("state", string(t.State)).Msg("dropping stale failure report")
			return nil
		}
	}

	if t.AssignedTo != "" {
		s.queue(TaskUnassigned{Session: session, TaskID: taskID, GovernorID: t.AssignedTo})
	}
	t.AssignedTo = ""

	// Journaled failures are terminal by construction; in-budget
	// requeues never reach the journal.
	retry := false
	if !s.restoring {
		retry = transient
		if !retry && t.Retries < s.cfg.MaxTaskRetries {
			t.Retries++
			retry = true
		}
	}
	if retry {
		s.log.Info().Str("task", taskID).Str("reason", reason).Bool("transient", transient).
			Int("retries", t.Retries).Msg("requeueing failed task")
		s.requeueTask(sess, t)
		return nil
	}

	s.appendRecord(session, RecordTaskFailed, taskID, taskFailedPayload{Reason: reason})
	s.failTask(sess, t, reason)
	return nil
}

// requeueTask returns a task to Ready, or Waiting when inputs are no
// longer available everywhere.
func (s *State) requeueTask(sess *Session, t *Task) {
	t.UnmetInputs = 0
	for _, in := range t.Spec.Inputs {
		o := sess.Objects[in.ID]
		if o == nil || o.State != ObjectFinished {
			t.UnmetInputs++
		}
	}
	if t.UnmetInputs == 0 {
		t.State = TaskReady
		s.queue(TaskBecameReady{Session: sess.ID, TaskID: t.ID})
	} else {
		t.State = TaskWaiting
	}
}

// failTask terminally fails t and cascades to every unproduced
// descendant reachable through its outputs.
func (s *State) failTask(sess *Session, t *Task, reason string) {
	t.State = TaskFailed
	t.Reason = reason
	s.releaseTaskInputRefs(sess, t)

	for _, out := range t.Spec.Outputs {
		o, ok := sess.Objects[out.ID]
		if !ok || o.State == ObjectFinished || o.State == ObjectRemoved {
			continue
		}
		s.queue(ObjectResolved{Session: sess.ID, ObjectID: o.ID, Failed: true, Reason: reason})
		for consumerID := range o.consumerTasks {
			c, ok := sess.Tasks[consumerID]
			if !ok || c.State == TaskFinished || c.State == TaskFailed {
				continue
			}
			if c.AssignedTo != "" {
				s.queue(TaskUnassigned{Session: sess.ID, TaskID: c.ID, GovernorID: c.AssignedTo})
				if c.State == TaskRunning {
					s.queue(KillTask{Session: sess.ID, TaskID: c.ID, GovernorID: c.AssignedTo})
				}
				c.AssignedTo = ""
			}
			s.failTask(sess, c, fmt.Sprintf("input %s unavailable: %s", o.ID, reason))
		}
	}
}

func (s *State) releaseTaskInputRefs(sess *Session, t *Task) {
	for _, in := range t.Spec.Inputs {
		o, ok := sess.Objects[in.ID]
		if !ok {
			continue
		}
		if _, counted := o.consumerTasks[t.ID]; !counted {
			continue
		}
		delete(o.consumerTasks, t.ID)
		o.Consumers--
		s.gcCheck(sess, o)
	}
}

// gcCheck removes a finished object once nothing references it. Removal
// happens exactly once; the id is tombstoned and never reused. Literal
// client-provided objects are exempt: they are the roots any
// recomputation after governor loss grows back from, and only an
// explicit release or session close frees them.
func (s *State) gcCheck(sess *Session, o *Object) {
	if o.State != ObjectFinished || o.Keep || o.Consumers > 0 || o.Literal {
		return
	}
	s.removeObject(sess, o)
}

func (s *State) removeObject(sess *Session, o *Object) {
	o.State = ObjectRemoved
	o.Data = nil
	sess.tombstones[o.ID] = struct{}{}
	for governorID := range o.Residency {
		s.queue(RemoveObjectAt{Session: sess.ID, ObjectID: o.ID, GovernorID: governorID})
	}
	o.Residency = make(map[string]struct{})
	delete(sess.Objects, o.ID)
}
