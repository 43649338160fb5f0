// Package server implements the coordinating agent: it terminates
// client and governor control connections, applies their requests to
// the graph state machine, journals every accepted transition, drives
// the scheduler, and detects governor failure via liveness timeouts.
package server

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/graph"
	"github.com/quarrylab/quarry/internal/journal"
	"github.com/quarrylab/quarry/internal/observability"
	"github.com/quarrylab/quarry/internal/protocol"
	"github.com/quarrylab/quarry/internal/scheduler"
)

// outbound is one message to push after the core lock is released.
type outbound struct {
	conn *protocol.Conn
	msg  any
}

// Server owns the graph state, journal, scheduler, and governor
// registry. All graph mutations run under one lock, making the state a
// single-writer entity; network sends happen after the lock drops.
type Server struct {
	cfg config.ServerConfig
	log zerolog.Logger

	mu    sync.Mutex
	state *graph.State
	sched *scheduler.Scheduler
	jrnl  *journal.Journal
	reg   *registry

	governorConns map[string]*protocol.Conn
	// waiters maps "session/object" to client connections blocked in
	// WaitFor on that object.
	waiters  map[string][]*protocol.Conn
	assigned int

	fatal chan error
}

func New(cfg config.ServerConfig, jrnl *journal.Journal, log zerolog.Logger) *Server {
	log = log.With().Str("component", "server").Logger()
	return &Server{
		cfg:           cfg,
		log:           log,
		state:         graph.New(graph.Config{MaxTaskRetries: cfg.MaxTaskRetries}, log),
		sched:         scheduler.New(log),
		jrnl:          jrnl,
		reg:           newRegistry(),
		governorConns: make(map[string]*protocol.Conn),
		waiters:       make(map[string][]*protocol.Conn),
		fatal:         make(chan error, 1),
	}
}

// Restore replays the journal into the graph state and re-primes the
// scheduler with every task that was Ready when the server went down.
func (s *Server) Restore() error {
	records, err := s.jrnl.Records()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.state.Restore(records); err != nil {
		return err
	}
	for _, t := range s.state.ReadyTasks() {
		s.enqueueReadyLocked(t.Session, t.ID)
	}
	s.log.Info().Int("records", len(records)).Int("ready", s.sched.QueueLen()).Msg("journal replayed")
	return nil
}

// Fatal reports an unrecoverable storage failure, if any.
func (s *Server) Fatal() <-chan error { return s.fatal }

func (s *Server) failStorage(err error) {
	s.log.Error().Err(err).Msg("journal write failed; refusing further mutations")
	select {
	case s.fatal <- err:
	default:
	}
}

// commitLocked journals pending records, applies local instructions,
// and returns the network sends to perform after unlocking. Callers
// hold s.mu.
func (s *Server) commitLocked() ([]outbound, error) {
	eff := s.state.Drain()
	if err := s.jrnl.Append(eff.Records); err != nil {
		s.failStorage(err)
		return nil, err
	}

	var sends []outbound
	for _, in := range eff.Instructions {
		switch in := in.(type) {
		case graph.TaskBecameReady:
			s.enqueueReadyLocked(in.Session, in.TaskID)
		case graph.TaskUnassigned:
			if t, err := s.state.TaskInfo(in.Session, in.TaskID); err == nil {
				s.sched.ReleaseSlots(in.GovernorID, t.Spec.CPUs)
			}
			if s.assigned > 0 {
				s.assigned--
			}
		case graph.RemoveObjectAt:
			s.sched.DropResident(in.GovernorID, in.Session, in.ObjectID)
			if conn, ok := s.governorConns[in.GovernorID]; ok {
				sends = append(sends, outbound{conn, protocol.RemoveObject{Session: in.Session, ObjectID: in.ObjectID}})
			}
		case graph.KillTask:
			if conn, ok := s.governorConns[in.GovernorID]; ok {
				sends = append(sends, outbound{conn, protocol.KillTask{Session: in.Session, TaskID: in.TaskID}})
			}
		case graph.ObjectResolved:
			key := watchKey(in.Session, in.ObjectID)
			state := protocol.NotifyFinished
			if in.Failed {
				state = protocol.NotifyFailed
			}
			for _, conn := range s.waiters[key] {
				sends = append(sends, outbound{conn, protocol.Notify{
					Session: in.Session, Object: in.ObjectID,
					State: state, Reason: in.Reason, Size: in.Size,
				}})
			}
			delete(s.waiters, key)
		}
	}
	observability.SetTasksAssigned(s.assigned)
	return sends, nil
}

func watchKey(session, object string) string { return session + "/" + object }

func (s *Server) enqueueReadyLocked(session, taskID string) {
	t, err := s.state.TaskInfo(session, taskID)
	if err != nil || t.State != graph.TaskReady {
		return
	}
	inputs := make([]scheduler.InputRef, 0, len(t.Spec.Inputs))
	for _, in := range t.Spec.Inputs {
		inputs = append(inputs, scheduler.InputRef{Session: session, ID: in.ID})
	}
	s.sched.Enqueue(scheduler.Pending{
		Session: session,
		TaskID:  taskID,
		CPUs:    t.Spec.CPUs,
		Labels:  t.Spec.Labels,
		Inputs:  inputs,
		Avoid:   t.LastGovernor,
	})
}

// SchedulePass runs one placement round and pushes the resulting
// assignments to their governors.
func (s *Server) SchedulePass() {
	started := time.Now()

	s.mu.Lock()
	assignments := s.sched.Pass()
	var sends []outbound
	for _, a := range assignments {
		msg, ok := s.buildAssignmentLocked(a)
		if !ok {
			continue
		}
		conn, connected := s.governorConns[a.GovernorID]
		if !connected {
			// The governor vanished between capacity view and now;
			// requeue and let liveness reclaim its slots.
			s.state.MarkTaskFailed(a.Session, a.TaskID, "governor disconnected before assignment", true)
			continue
		}
		s.assigned++
		sends = append(sends, outbound{conn, msg})
	}
	more, err := s.commitLocked()
	s.mu.Unlock()
	if err == nil {
		sends = append(sends, more...)
	}

	s.deliver(sends)
	observability.ObserveSchedulingPass(time.Since(started))
}

// buildAssignmentLocked resolves a placement into an AssignTask message
// with input location hints.
func (s *Server) buildAssignmentLocked(a scheduler.Assignment) (protocol.AssignTask, bool) {
	if err := s.state.MarkTaskAssigned(a.Session, a.TaskID, a.GovernorID); err != nil {
		s.log.Warn().Err(err).Str("task", a.TaskID).Msg("placement raced a state change")
		return protocol.AssignTask{}, false
	}
	t, err := s.state.TaskInfo(a.Session, a.TaskID)
	if err != nil {
		return protocol.AssignTask{}, false
	}

	msg := protocol.AssignTask{Session: a.Session, Task: t.Spec}
	for _, in := range t.Spec.Inputs {
		o, err := s.state.ObjectInfo(a.Session, in.ID)
		if err != nil {
			continue
		}
		hint := protocol.InputHint{ObjectID: in.ID}
		if o.Literal {
			hint.Literal = true
			hint.Data = o.Data
		} else {
			ids := make([]string, 0, len(o.Residency))
			for g := range o.Residency {
				ids = append(ids, g)
			}
			hint.DataAddrs = s.reg.dataAddrsFor(ids)
		}
		msg.Hints = append(msg.Hints, hint)
	}
	return msg, true
}

func (s *Server) deliver(sends []outbound) {
	for _, out := range sends {
		if _, err := out.conn.Send(out.msg); err != nil {
			s.log.Warn().Err(err).Type("msg", out.msg).Msg("outbound send failed")
		}
	}
}

// SweepLiveness advances the per-governor failure detector: overdue
// heartbeats turn Active governors Suspect (probed with a Ping), and
// long silence declares them Lost, which requeues their tasks and
// invalidates sole-replica objects.
func (s *Server) SweepLiveness(now time.Time) {
	suspect, lost := s.reg.sweep(now, s.cfg.SuspectAfter(), s.cfg.LostAfter())

	var sends []outbound
	s.mu.Lock()
	for _, rec := range suspect {
		if conn, ok := s.governorConns[rec.ID]; ok {
			sends = append(sends, outbound{conn, protocol.Ping{Nonce: uint64(now.UnixNano())}})
		}
		s.log.Warn().Str("governor", rec.ID).Msg("governor suspect: heartbeat overdue")
	}
	for _, rec := range lost {
		s.log.Error().Str("governor", rec.ID).Msg("governor lost: requeueing its tasks")
		delete(s.governorConns, rec.ID)
		s.sched.RemoveGovernor(rec.ID)
		s.state.GovernorLost(rec.ID)
	}
	var more []outbound
	if len(lost) > 0 {
		more, _ = s.commitLocked()
	}
	counts := s.reg.counts()
	s.mu.Unlock()

	observability.SetGovernorCount(string(LivenessActive), counts[LivenessActive])
	observability.SetGovernorCount(string(LivenessSuspect), counts[LivenessSuspect])
	s.deliver(append(sends, more...))
	if len(lost) > 0 {
		s.SchedulePass()
	}
}

// --- governor message handling ---

func (s *Server) handleRegister(conn *protocol.Conn, msg *protocol.Register) protocol.RegisterAck {
	id := uuid.NewString()
	s.reg.add(GovernorRecord{
		ID:            id,
		Addr:          msg.Addr,
		DataAddr:      msg.DataAddr,
		CPUs:          msg.CPUs,
		MemBytes:      msg.MemBytes,
		Labels:        msg.Labels,
		LastHeartbeat: time.Now(),
		FreeSlots:     msg.CPUs,
	})
	s.mu.Lock()
	s.governorConns[id] = conn
	s.sched.UpsertGovernor(id, msg.CPUs, msg.Labels)
	s.mu.Unlock()

	s.log.Info().Str("governor", id).Str("data_addr", msg.DataAddr).Int("cpus", msg.CPUs).Msg("governor registered")
	s.SchedulePass()
	return protocol.RegisterAck{
		GovernorID:          id,
		HeartbeatIntervalMS: uint64(s.cfg.HeartbeatEvery() / time.Millisecond),
	}
}

func (s *Server) handleHeartbeat(msg *protocol.Heartbeat) error {
	if !s.reg.heartbeat(msg.GovernorID, time.Now(), msg.FreeSlots) {
		return ErrUnknownGovernor
	}
	s.mu.Lock()
	s.sched.SetFreeSlots(msg.GovernorID, msg.FreeSlots)
	for _, key := range msg.Resident.Added {
		if session, object, ok := strings.Cut(key, "/"); ok {
			s.state.AddResidency(session, object, msg.GovernorID)
			s.sched.AddResident(msg.GovernorID, session, object)
		}
	}
	for _, key := range msg.Resident.Dropped {
		if session, object, ok := strings.Cut(key, "/"); ok {
			s.state.DropResidency(session, object, msg.GovernorID)
			s.sched.DropResident(msg.GovernorID, session, object)
		}
	}
	s.mu.Unlock()
	if msg.FreeSlots > 0 {
		s.SchedulePass()
	}
	return nil
}

func (s *Server) handleTaskFinished(msg *protocol.TaskFinished) error {
	outputs := make([]graph.OutputSize, 0, len(msg.Outputs))
	for _, o := range msg.Outputs {
		outputs = append(outputs, graph.OutputSize{ID: o.ID, Size: o.Size})
	}
	s.mu.Lock()
	err := s.state.MarkTaskFinished(msg.Session, msg.TaskID, msg.GovernorID, outputs)
	if err == nil {
		for _, o := range msg.Outputs {
			s.sched.AddResident(msg.GovernorID, msg.Session, o.ID)
		}
	}
	sends, commitErr := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if commitErr != nil {
		return commitErr
	}
	observability.RecordTaskTerminal("finished")
	s.deliver(sends)
	s.SchedulePass()
	return nil
}

func (s *Server) handleTaskFailed(msg *protocol.TaskFailed) error {
	s.mu.Lock()
	err := s.state.MarkTaskFailed(msg.Session, msg.TaskID, msg.Reason, msg.Transient)
	terminal := false
	if t, infoErr := s.state.TaskInfo(msg.Session, msg.TaskID); infoErr == nil {
		terminal = t.State == graph.TaskFailed
	}
	sends, commitErr := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if commitErr != nil {
		return commitErr
	}
	if terminal {
		observability.RecordTaskTerminal("failed")
	}
	s.deliver(sends)
	s.SchedulePass()
	return nil
}

func (s *Server) handleObjectFinished(msg *protocol.ObjectFinished) error {
	s.mu.Lock()
	err := s.state.MarkObjectFinished(msg.Session, msg.ObjectID, msg.GovernorID, msg.Size)
	if err == nil {
		s.sched.AddResident(msg.GovernorID, msg.Session, msg.ObjectID)
	}
	sends, commitErr := s.commitLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if commitErr != nil {
		return commitErr
	}
	s.deliver(sends)
	s.SchedulePass()
	return nil
}

func (s *Server) handleLocationQuery(msg *protocol.LocationQuery) protocol.LocationReply {
	s.mu.Lock()
	ids, err := s.state.Residency(msg.Session, msg.ObjectID)
	s.mu.Unlock()
	reply := protocol.LocationReply{ObjectID: msg.ObjectID}
	if err == nil {
		reply.DataAddrs = s.reg.dataAddrsFor(ids)
	}
	return reply
}
