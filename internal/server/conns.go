package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylab/quarry/internal/graph"
	"github.com/quarrylab/quarry/internal/protocol"
)

// HandleConn owns one control connection for its lifetime. The first
// message decides the role: a Register frame makes it a governor
// connection, anything else a client connection.
func (s *Server) HandleConn(nc net.Conn) {
	defer nc.Close()
	conn := protocol.NewConn(nc)

	env, err := conn.Receive()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Debug().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("connection dropped before first frame")
		}
		return
	}

	if reg, ok := env.Msg.(*protocol.Register); ok {
		s.serveGovernor(conn, env, reg)
		return
	}
	s.serveClient(conn, env)
}

// --- governor connections ---

func (s *Server) serveGovernor(conn *protocol.Conn, first protocol.Envelope, reg *protocol.Register) {
	ack := s.handleRegister(conn, reg)
	if err := conn.Reply(first.MessageID, ack); err != nil {
		s.log.Warn().Err(err).Msg("register ack failed")
		return
	}
	id := ack.GovernorID
	log := s.log.With().Str("governor", id).Logger()

	for {
		env, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("governor connection error")
			}
			break
		}
		if err := s.dispatchGovernor(id, conn, env); err != nil {
			log.Warn().Err(err).Uint16("type", env.Type).Msg("governor report rejected")
			conn.Reply(env.MessageID, protocol.ErrorReply{Code: errorCode(err), Message: err.Error()})
		}
	}

	// Liveness timeouts decide Lost; a dropped connection alone only
	// stops us pushing to this governor.
	s.mu.Lock()
	if s.governorConns[id] == conn {
		delete(s.governorConns, id)
	}
	s.mu.Unlock()
	log.Info().Msg("governor connection closed")
}

func (s *Server) dispatchGovernor(id string, conn *protocol.Conn, env protocol.Envelope) error {
	switch msg := env.Msg.(type) {
	case *protocol.Heartbeat:
		if err := s.handleHeartbeat(msg); err != nil {
			return err
		}
		return conn.Reply(env.MessageID, protocol.Ack{})
	case *protocol.TaskFinished:
		if err := s.handleTaskFinished(msg); err != nil {
			return err
		}
		return conn.Reply(env.MessageID, protocol.Ack{})
	case *protocol.TaskFailed:
		if err := s.handleTaskFailed(msg); err != nil {
			return err
		}
		return conn.Reply(env.MessageID, protocol.Ack{})
	case *protocol.ObjectFinished:
		if err := s.handleObjectFinished(msg); err != nil {
			return err
		}
		return conn.Reply(env.MessageID, protocol.Ack{})
	case *protocol.LocationQuery:
		return conn.Reply(env.MessageID, s.handleLocationQuery(msg))
	case *protocol.Pong:
		// A pong is as good as a heartbeat for liveness.
		s.reg.refresh(id, time.Now())
		return nil
	default:
		return protocol.ErrUnknownType
	}
}

// --- client connections ---

func (s *Server) serveClient(conn *protocol.Conn, first protocol.Envelope) {
	// Sessions opened over this connection close with it.
	owned := make(map[string]struct{})

	env := first
	for {
		s.dispatchClient(conn, env, owned)

		var err error
		env, err = conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("client connection error")
			}
			break
		}
	}

	for session := range owned {
		s.closeSession(session)
	}
	s.mu.Lock()
	for key, conns := range s.waiters {
		kept := conns[:0]
		for _, c := range conns {
			if c != conn {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(s.waiters, key)
		} else {
			s.waiters[key] = kept
		}
	}
	s.mu.Unlock()
}

func (s *Server) dispatchClient(conn *protocol.Conn, env protocol.Envelope, owned map[string]struct{}) {
	var err error
	switch msg := env.Msg.(type) {
	case *protocol.SubmitGraph:
		err = s.handleSubmit(conn, env.MessageID, msg, owned)
	case *protocol.KeepObject:
		if err = s.keepObject(msg.Session, msg.ID); err == nil {
			err = conn.Reply(env.MessageID, protocol.Ack{})
		}
	case *protocol.ReleaseObject:
		if err = s.releaseObject(msg.Session, msg.ID); err == nil {
			err = conn.Reply(env.MessageID, protocol.Ack{})
		}
	case *protocol.WaitFor:
		err = s.handleWaitFor(conn, env.MessageID, msg)
	case *protocol.CloseSession:
		if err = s.closeSession(msg.Session); err == nil {
			delete(owned, msg.Session)
			err = conn.Reply(env.MessageID, protocol.Ack{})
		}
	default:
		err = protocol.ErrUnknownType
	}
	if err != nil {
		conn.Reply(env.MessageID, protocol.ErrorReply{Code: errorCode(err), Message: err.Error()})
	}
}

func (s *Server) handleSubmit(conn *protocol.Conn, inReplyTo uint64, msg *protocol.SubmitGraph, owned map[string]struct{}) error {
	session := msg.Session
	minted := session == ""
	if minted {
		session = uuid.NewString()
	}

	s.mu.Lock()
	if minted {
		if err := s.state.OpenSession(session); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	taskIDs, objectIDs, err := s.state.SubmitGraph(session, msg.Tasks, msg.Objects)
	if err != nil && minted {
		// A rejected submission must not leave the fresh session open;
		// the client never learns its id.
		s.state.CloseSession(session)
	}
	sends, commitErr := s.commitLocked()
	s.mu.Unlock()
	if commitErr != nil {
		return commitErr
	}
	s.deliver(sends)
	if err != nil {
		return err
	}
	if minted {
		owned[session] = struct{}{}
	}

	s.log.Info().Str("session", session).Int("tasks", len(taskIDs)).Int("objects", len(objectIDs)).Msg("submission accepted")
	if err := conn.Reply(inReplyTo, protocol.SubmitResult{
		Session: session, TaskIDs: taskIDs, ObjectIDs: objectIDs,
	}); err != nil {
		return err
	}
	s.SchedulePass()
	return nil
}

func (s *Server) keepObject(session, id string) error {
	s.mu.Lock()
	err := s.state.Keep(session, id)
	sends, commitErr := s.commitLocked()
	s.mu.Unlock()
	if commitErr != nil {
		return commitErr
	}
	s.deliver(sends)
	return err
}

func (s *Server) releaseObject(session, id string) error {
	s.mu.Lock()
	err := s.state.Release(session, id)
	sends, commitErr := s.commitLocked()
	s.mu.Unlock()
	if commitErr != nil {
		return commitErr
	}
	s.deliver(sends)
	return err
}

func (s *Server) closeSession(session string) error {
	s.mu.Lock()
	err := s.state.CloseSession(session)
	if err == nil {
		s.sched.RemoveSession(session)
	}
	sends, commitErr := s.commitLocked()
	s.mu.Unlock()
	if commitErr != nil {
		return commitErr
	}
	s.deliver(sends)
	return err
}

// handleWaitFor answers immediately for objects already resolved and
// registers a watch for the rest; resolution arrives as a Notify push.
func (s *Server) handleWaitFor(conn *protocol.Conn, inReplyTo uint64, msg *protocol.WaitFor) error {
	var sends []outbound
	s.mu.Lock()
	for _, id := range msg.Objects {
		o, err := s.state.ObjectInfo(msg.Session, id)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		switch {
		case o.State == graph.ObjectFinished || o.State == graph.ObjectRemoved:
			sends = append(sends, outbound{conn, protocol.Notify{
				Session: msg.Session, Object: id, State: protocol.NotifyFinished, Size: o.Size,
			}})
		case o.Producer != "" && s.producerFailedLocked(msg.Session, o.Producer):
			t, _ := s.state.TaskInfo(msg.Session, o.Producer)
			sends = append(sends, outbound{conn, protocol.Notify{
				Session: msg.Session, Object: id, State: protocol.NotifyFailed, Reason: t.Reason,
			}})
		default:
			key := watchKey(msg.Session, id)
			s.waiters[key] = append(s.waiters[key], conn)
		}
	}
	s.mu.Unlock()

	if err := conn.Reply(inReplyTo, protocol.Ack{}); err != nil {
		return err
	}
	s.deliver(sends)
	return nil
}

func (s *Server) producerFailedLocked(session, taskID string) bool {
	t, err := s.state.TaskInfo(session, taskID)
	return err == nil && t.State == graph.TaskFailed
}

func errorCode(err error) uint32 {
	switch {
	case errors.Is(err, graph.ErrGraphCycle):
		return protocol.CodeGraphCycle
	case errors.Is(err, graph.ErrUnknownInput):
		return protocol.CodeUnknownInput
	case errors.Is(err, graph.ErrDuplicateID):
		return protocol.CodeDuplicateID
	case errors.Is(err, graph.ErrUnknownSession):
		return protocol.CodeUnknownSession
	case errors.Is(err, graph.ErrUnknownObject), errors.Is(err, graph.ErrUnknownTask):
		return protocol.CodeUnknownObject
	case errors.Is(err, graph.ErrSessionClosed):
		return protocol.CodeSessionClosed
	case errors.Is(err, ErrUnknownGovernor):
		return protocol.CodeUnknownGovernor
	default:
		return protocol.CodeInternal
	}
}
