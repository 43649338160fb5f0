package graph

import "fmt"

// Keep pins an object so it survives consumer-count garbage collection
// until the client releases it.
func (s *State) Keep(session, objectID string) error {
	sess, err := s.openSession(session)
	if err != nil {
		return err
	}
	o, ok := sess.Objects[objectID]
	if !ok {
		return ErrUnknownObject
	}
	if o.Keep {
		return nil
	}
	o.Keep = true
	s.appendRecord(session, RecordKeep, objectID, nil)
	return nil
}

// Release drops the client hold on an object. If nothing else references
// it the object is removed exactly once.
func (s *State) Release(session, objectID string) error {
	sess, err := s.openSession(session)
	if err != nil {
		return err
	}
	o, ok := sess.Objects[objectID]
	if !ok {
		if _, dead := sess.tombstones[objectID]; dead {
			return nil
		}
		return ErrUnknownObject
	}
	if !o.Keep {
		return nil
	}
	o.Keep = false
	s.appendRecord(session, RecordRelease, objectID, nil)
	if o.Literal && o.Consumers <= 0 && o.State == ObjectFinished {
		s.removeObject(sess, o)
		return nil
	}
	s.gcCheck(sess, o)
	return nil
}

// CloseSession cancels pending work and releases every object. Running
// tasks get a best-effort kill; their eventual reports are accepted but
// have no further effect.
func (s *State) CloseSession(session string) error {
	sess, err := s.session(session)
	if err != nil {
		return err
	}
	if sess.State == SessionClosed {
		return nil
	}
	sess.State = SessionClosed
	s.appendRecord(session, RecordCloseSession, "", nil)

	for _, t := range sess.Tasks {
		switch t.State {
		case TaskWaiting, TaskReady:
			t.State = TaskFailed
			t.Reason = "session closed"
		case TaskAssigned, TaskRunning:
			if t.AssignedTo != "" {
				s.queue(KillTask{Session: session, TaskID: t.ID, GovernorID: t.AssignedTo})
				s.queue(TaskUnassigned{Session: session, TaskID: t.ID, GovernorID: t.AssignedTo})
			}
			t.State = TaskFailed
			t.Reason = "session closed"
			t.AssignedTo = ""
		}
	}

	for _, o := range sess.Objects {
		o.Keep = false
		o.Consumers = 0
		o.consumerTasks = make(map[string]struct{})
		if o.State == ObjectFinished {
			s.removeObject(sess, o)
		} else {
			s.queue(ObjectResolved{Session: session, ObjectID: o.ID, Failed: true, Reason: "session closed"})
			o.State = ObjectRemoved
			sess.tombstones[o.ID] = struct{}{}
			delete(sess.Objects, o.ID)
		}
	}
	return nil
}

// GovernorLost reacts to a liveness timeout: tasks on the governor are
// requeued and objects whose only replica lived there are walked back to
// Unfinished, cascading recomputation through their producers.
func (s *State) GovernorLost(governorID string) {
	for _, sess := range s.sessions {
		if sess.State != SessionOpen {
			continue
		}
		s.governorLostInSession(sess, governorID)
	}
}

func (s *State) governorLostInSession(sess *Session, governorID string) {
	// First lose the replicas, cascading recomputation where the lost
	// copy was the only one.
	for _, o := range sess.Objects {
		if _, held := o.Residency[governorID]; !held {
			continue
		}
		delete(o.Residency, governorID)
		if len(o.Residency) == 0 && !o.Literal && o.State == ObjectFinished {
			s.invalidateObject(sess, o, make(map[string]struct{}))
		}
	}

	// Then requeue whatever the governor was executing.
	for _, t := range sess.Tasks {
		if t.AssignedTo != governorID {
			continue
		}
		if t.State != TaskAssigned && t.State != TaskRunning {
			continue
		}
		t.AssignedTo = ""
		s.log.Warn().Str("task", t.ID).Str("governor", governorID).Msg("requeueing task from lost governor")
		s.requeueTask(sess, t)
	}
}

// invalidateObject walks a Finished object with no remaining replicas
// back to Unfinished and resets its producer for recomputation. Consumer
// tasks not yet running are pushed back to Waiting; tasks already
// running elsewhere staged their input bytes before starting and are
// left alone.
func (s *State) invalidateObject(sess *Session, o *Object, visited map[string]struct{}) {
	if _, seen := visited[o.ID]; seen {
		return
	}
	visited[o.ID] = struct{}{}

	o.State = ObjectUnfinished
	o.Size = 0

	for consumerID := range o.consumerTasks {
		c, ok := sess.Tasks[consumerID]
		if !ok {
			continue
		}
		switch c.State {
		case TaskReady, TaskAssigned:
			if c.AssignedTo != "" {
				s.queue(TaskUnassigned{Session: sess.ID, TaskID: c.ID, GovernorID: c.AssignedTo})
				c.AssignedTo = ""
			}
			c.State = TaskWaiting
			c.UnmetInputs++
		case TaskWaiting:
			c.UnmetInputs++
		}
	}

	producerID := o.Producer
	if producerID == "" {
		// Client-provided non-literal data cannot be recomputed; fail
		// everything depending on it.
		for consumerID := range o.consumerTasks {
			if c, ok := sess.Tasks[consumerID]; ok && c.State != TaskFinished && c.State != TaskFailed {
				s.failTask(sess, c, fmt.Sprintf("external input %s lost", o.ID))
			}
		}
		return
	}

	p, ok := sess.Tasks[producerID]
	if !ok {
		return
	}
	switch p.State {
	case TaskFinished:
		// Recompute: the producer consumes its inputs again, which may
		// recurse if those were also lost.
		for _, in := range p.Spec.Inputs {
			io, ok := sess.Objects[in.ID]
			if !ok {
				// The input was already garbage collected; the chain
				// cannot be recomputed.
				s.failTask(sess, p, fmt.Sprintf("input %s for recomputation was removed", in.ID))
				return
			}
			if _, counted := io.consumerTasks[p.ID]; !counted {
				io.consumerTasks[p.ID] = struct{}{}
				io.Consumers++
			}
			if io.State == ObjectFinished && len(io.Residency) == 0 && !io.Literal {
				s.invalidateObject(sess, io, visited)
			}
		}
		s.requeueTask(sess, p)
	case TaskFailed:
		// Terminal; consumers were already failed by the cascade.
	default:
		// Producer still pending; nothing to reset.
	}
}
