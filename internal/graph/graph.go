// Package graph is the single source of truth for task and data-object
// lifecycle state. It is a pure state machine: every mutation validates a
// transition, appends a journal record, and queues outbound instructions
// for the caller to deliver. It performs no I/O of its own.
package graph

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/quarrylab/quarry/internal/protocol"
)

var (
	ErrGraphCycle     = errors.New("graph: submission contains a cycle")
	ErrUnknownInput   = errors.New("graph: input references unknown object")
	ErrDuplicateID    = errors.New("graph: duplicate id")
	ErrUnknownSession = errors.New("graph: unknown session")
	ErrUnknownTask    = errors.New("graph: unknown task")
	ErrUnknownObject  = errors.New("graph: unknown object")
	ErrSessionClosed  = errors.New("graph: session closed")
)

// TaskState is the lifecycle phase of one task.
type TaskState string

const (
	TaskWaiting  TaskState = "waiting"
	TaskReady    TaskState = "ready"
	TaskAssigned TaskState = "assigned"
	TaskRunning  TaskState = "running"
	TaskFinished TaskState = "finished"
	TaskFailed   TaskState = "failed"
)

// ObjectState is the lifecycle phase of one data object.
type ObjectState string

const (
	ObjectUnfinished ObjectState = "unfinished"
	ObjectFinished   ObjectState = "finished"
	ObjectRemoved    ObjectState = "removed"
)

// Task is one node of a submitted graph.
type Task struct {
	ID      string
	Session string
	Spec    protocol.TaskSpec
	State   TaskState

	UnmetInputs  int
	AssignedTo   string
	LastGovernor string
	Retries      int
	Reason       string
}

// Object is one unit of task input/output data.
type Object struct {
	ID      string
	Session string
	State   ObjectState
	Size    uint64

	// Producer is the task that outputs this object, empty for
	// client-provided inputs.
	Producer string

	// Literal inputs carry their bytes server-side and are exempt from
	// governor-loss recomputation.
	Literal bool
	Data    []byte

	// Consumers counts tasks that still need this object as an input.
	// Keep is an additional client hold tracked separately.
	Consumers int
	Keep      bool

	// Residency is the set of governors believed to hold finished bytes.
	Residency map[string]struct{}

	// consumerTasks indexes tasks referencing this object as input.
	consumerTasks map[string]struct{}
}

// SessionState is the lifecycle phase of one client session.
type SessionState string

const (
	SessionOpen   SessionState = "open"
	SessionClosed SessionState = "closed"
)

// Session is one client's namespace of tasks and objects.
type Session struct {
	ID      string
	State   SessionState
	Tasks   map[string]*Task
	Objects map[string]*Object

	// tombstones holds ids of removed objects; they are never reused.
	tombstones map[string]struct{}
}

// Config bounds retry policy.
type Config struct {
	// MaxTaskRetries is the number of re-executions granted to a task
	// after a deterministic failure. Governor loss does not consume it.
	MaxTaskRetries int
}

func DefaultConfig() Config {
	return Config{MaxTaskRetries: 1}
}

// State owns every session. Callers must serialize mutations; the server
// agent funnels all of them through a single goroutine.
type State struct {
	cfg      Config
	log      zerolog.Logger
	sessions map[string]*Session

	nextSeq   uint64
	restoring bool

	records      []Record
	instructions []Instruction
}

func New(cfg Config, log zerolog.Logger) *State {
	if cfg.MaxTaskRetries < 0 {
		cfg.MaxTaskRetries = 0
	}
	return &State{
		cfg:      cfg,
		log:      log.With().Str("component", "graph").Logger(),
		sessions: make(map[string]*Session),
	}
}

// OpenSession creates an empty session namespace.
func (s *State) OpenSession(id string) error {
	if _, ok := s.sessions[id]; ok {
		return ErrDuplicateID
	}
	s.sessions[id] = &Session{
		ID:         id,
		State:      SessionOpen,
		Tasks:      make(map[string]*Task),
		Objects:    make(map[string]*Object),
		tombstones: make(map[string]struct{}),
	}
	s.appendRecord(id, RecordOpenSession, "", nil)
	return nil
}

func (s *State) session(id string) (*Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

func (s *State) openSession(id string) (*Session, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if sess.State != SessionOpen {
		return nil, ErrSessionClosed
	}
	return sess, nil
}

// Sessions lists known session ids.
func (s *State) Sessions() []string {
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// TaskInfo returns a copy of one task's current record.
func (s *State) TaskInfo(session, taskID string) (Task, error) {
	sess, err := s.session(session)
	if err != nil {
		return Task{}, err
	}
	t, ok := sess.Tasks[taskID]
	if !ok {
		return Task{}, ErrUnknownTask
	}
	return *t, nil
}

// ObjectInfo returns a copy of one object's current record.
func (s *State) ObjectInfo(session, objectID string) (Object, error) {
	sess, err := s.session(session)
	if err != nil {
		return Object{}, err
	}
	o, ok := sess.Objects[objectID]
	if !ok {
		if _, dead := sess.tombstones[objectID]; dead {
			return Object{ID: objectID, Session: session, State: ObjectRemoved}, nil
		}
		return Object{}, ErrUnknownObject
	}
	cp := *o
	cp.Residency = make(map[string]struct{}, len(o.Residency))
	for g := range o.Residency {
		cp.Residency[g] = struct{}{}
	}
	cp.consumerTasks = nil
	return cp, nil
}

// Residency lists governors believed to hold an object's bytes.
func (s *State) Residency(session, objectID string) ([]string, error) {
	sess, err := s.session(session)
	if err != nil {
		return nil, err
	}
	o, ok := sess.Objects[objectID]
	if !ok {
		return nil, ErrUnknownObject
	}
	out := make([]string, 0, len(o.Residency))
	for g := range o.Residency {
		out = append(out, g)
	}
	return out, nil
}

// AddResidency records that a governor holds finished bytes for an
// object, typically from a heartbeat delta after a server restart.
func (s *State) AddResidency(session, objectID, governorID string) {
	sess, err := s.session(session)
	if err != nil {
		return
	}
	o, ok := sess.Objects[objectID]
	if !ok || o.State != ObjectFinished || governorID == "" {
		return
	}
	o.Residency[governorID] = struct{}{}
}

// DropResidency removes one governor from an object's residency set
// without touching lifecycle state.
func (s *State) DropResidency(session, objectID, governorID string) {
	sess, err := s.session(session)
	if err != nil {
		return
	}
	if o, ok := sess.Objects[objectID]; ok {
		delete(o.Residency, governorID)
	}
}
