// Package protocol defines the typed control-plane messages exchanged
// between clients, the server, and governors, and the codec that maps
// them onto wire frames.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrUnknownType    = errors.New("protocol: unknown message type")
)

// Message type identifiers carried in the frame header.
const (
	// Client -> Server.
	TypeSubmitGraph   uint16 = 1
	TypeSubmitResult  uint16 = 2
	TypeKeepObject    uint16 = 3
	TypeReleaseObject uint16 = 4
	TypeWaitFor       uint16 = 5
	TypeNotify        uint16 = 6
	TypeCloseSession  uint16 = 7

	// Governor -> Server.
	TypeRegister       uint16 = 10
	TypeRegisterAck    uint16 = 11
	TypeHeartbeat      uint16 = 12
	TypeTaskFinished   uint16 = 13
	TypeTaskFailed     uint16 = 14
	TypeObjectFinished uint16 = 15
	TypeLocationQuery  uint16 = 16
	TypeLocationReply  uint16 = 17

	// Server -> Governor.
	TypeAssignTask   uint16 = 20
	TypeRemoveObject uint16 = 21
	TypePing         uint16 = 22
	TypePong         uint16 = 23
	TypeKillTask     uint16 = 24

	// Shared.
	TypeErrorReply uint16 = 30
	TypeAck        uint16 = 31
)

// Error codes carried by ErrorReply.
const (
	CodeGraphCycle      uint32 = 100
	CodeUnknownInput    uint32 = 101
	CodeDuplicateID     uint32 = 102
	CodeUnknownSession  uint32 = 103
	CodeUnknownObject   uint32 = 104
	CodeSessionClosed   uint32 = 105
	CodeUnknownGovernor uint32 = 106
	CodeInternal        uint32 = 500
)

// ObjectRef names one data object within a session.
type ObjectRef struct {
	ID string `json:"id"`
}

// ObjectSpec declares an object at submission time. Data is non-nil only
// for client-provided literal inputs, which are Finished on arrival.
type ObjectSpec struct {
	ID   string `json:"id"`
	Keep bool   `json:"keep,omitempty"`
	Data []byte `json:"data,omitempty"`
}

func (o ObjectSpec) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: object missing id", ErrInvalidMessage)
	}
	return nil
}

// TaskSpec declares one node of a submitted graph.
type TaskSpec struct {
	ID      string            `json:"id"`
	Session string            `json:"session,omitempty"`
	Op      string            `json:"op"`
	Program string            `json:"program,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Inputs  []ObjectRef       `json:"inputs,omitempty"`
	Outputs []ObjectRef       `json:"outputs"`
	CPUs    int               `json:"cpus"`
	Labels  []string          `json:"labels,omitempty"`
}

// Builtin operations understood by every governor.
const (
	OpExecute = "execute"
	OpConcat  = "concat"
	OpSleep   = "sleep"
)

func (t TaskSpec) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: task missing id", ErrInvalidMessage)
	}
	switch t.Op {
	case OpExecute:
		if strings.TrimSpace(t.Program) == "" {
			return fmt.Errorf("%w: task %s: execute op missing program", ErrInvalidMessage, t.ID)
		}
	case OpConcat, OpSleep:
	default:
		return fmt.Errorf("%w: task %s: unknown op %q", ErrInvalidMessage, t.ID, t.Op)
	}
	if len(t.Outputs) == 0 {
		return fmt.Errorf("%w: task %s: no outputs declared", ErrInvalidMessage, t.ID)
	}
	if t.CPUs < 1 {
		return fmt.Errorf("%w: task %s: cpus must be >= 1", ErrInvalidMessage, t.ID)
	}
	for _, in := range t.Inputs {
		if strings.TrimSpace(in.ID) == "" {
			return fmt.Errorf("%w: task %s: empty input ref", ErrInvalidMessage, t.ID)
		}
	}
	for _, out := range t.Outputs {
		if strings.TrimSpace(out.ID) == "" {
			return fmt.Errorf("%w: task %s: empty output ref", ErrInvalidMessage, t.ID)
		}
	}
	return nil
}

// SubmitGraph submits a batch of tasks and objects to one session.
// Session is empty on the first submission; the server mints one.
type SubmitGraph struct {
	Session string       `json:"session,omitempty"`
	Tasks   []TaskSpec   `json:"tasks"`
	Objects []ObjectSpec `json:"objects,omitempty"`
}

func (m SubmitGraph) Validate() error {
	if len(m.Tasks) == 0 && len(m.Objects) == 0 {
		return fmt.Errorf("%w: empty submission", ErrInvalidMessage)
	}
	for _, t := range m.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, o := range m.Objects {
		if err := o.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SubmitResult acknowledges an accepted submission.
type SubmitResult struct {
	Session   string   `json:"session"`
	TaskIDs   []string `json:"task_ids"`
	ObjectIDs []string `json:"object_ids"`
}

func (m SubmitResult) Validate() error {
	if strings.TrimSpace(m.Session) == "" {
		return fmt.Errorf("%w: submit result missing session", ErrInvalidMessage)
	}
	return nil
}

// KeepObject pins an object against garbage collection.
type KeepObject struct {
	Session string `json:"session"`
	ID      string `json:"id"`
}

func (m KeepObject) Validate() error { return validateSessionObject(m.Session, m.ID) }

// ReleaseObject drops one client reference on an object.
type ReleaseObject struct {
	Session string `json:"session"`
	ID      string `json:"id"`
}

func (m ReleaseObject) Validate() error { return validateSessionObject(m.Session, m.ID) }

func validateSessionObject(session, id string) error {
	if strings.TrimSpace(session) == "" {
		return fmt.Errorf("%w: missing session", ErrInvalidMessage)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: missing object id", ErrInvalidMessage)
	}
	return nil
}

// WaitFor registers a watch; the server pushes one Notify per object once
// it is Finished or its producer terminally Failed.
type WaitFor struct {
	Session string   `json:"session"`
	Objects []string `json:"objects"`
}

func (m WaitFor) Validate() error {
	if strings.TrimSpace(m.Session) == "" {
		return fmt.Errorf("%w: missing session", ErrInvalidMessage)
	}
	if len(m.Objects) == 0 {
		return fmt.Errorf("%w: empty wait set", ErrInvalidMessage)
	}
	return nil
}

// Notify is a server push reporting a watched object's terminal outcome.
type Notify struct {
	Session string `json:"session"`
	Object  string `json:"object"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
	Size    uint64 `json:"size,omitempty"`
}

const (
	NotifyFinished = "finished"
	NotifyFailed   = "failed"
)

func (m Notify) Validate() error {
	if m.State != NotifyFinished && m.State != NotifyFailed {
		return fmt.Errorf("%w: bad notify state %q", ErrInvalidMessage, m.State)
	}
	return validateSessionObject(m.Session, m.Object)
}

// CloseSession ends a session and cancels its pending work.
type CloseSession struct {
	Session string `json:"session"`
}

func (m CloseSession) Validate() error {
	if strings.TrimSpace(m.Session) == "" {
		return fmt.Errorf("%w: missing session", ErrInvalidMessage)
	}
	return nil
}

// Register is the governor's session-start message.
type Register struct {
	Addr     string   `json:"addr"`
	DataAddr string   `json:"data_addr"`
	CPUs     int      `json:"cpus"`
	MemBytes uint64   `json:"mem_bytes,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

func (m Register) Validate() error {
	if strings.TrimSpace(m.DataAddr) == "" {
		return fmt.Errorf("%w: register missing data_addr", ErrInvalidMessage)
	}
	if m.CPUs < 1 {
		return fmt.Errorf("%w: register cpus must be >= 1", ErrInvalidMessage)
	}
	return nil
}

// RegisterAck assigns the governor its identity and heartbeat cadence.
type RegisterAck struct {
	GovernorID          string `json:"governor_id"`
	HeartbeatIntervalMS uint64 `json:"heartbeat_interval_ms"`
}

func (m RegisterAck) Validate() error {
	if strings.TrimSpace(m.GovernorID) == "" {
		return fmt.Errorf("%w: register ack missing governor_id", ErrInvalidMessage)
	}
	if m.HeartbeatIntervalMS == 0 {
		return fmt.Errorf("%w: register ack missing heartbeat interval", ErrInvalidMessage)
	}
	return nil
}

// ResidentDelta reports object arrivals and departures since the last
// heartbeat so the server's residency view converges without full syncs.
type ResidentDelta struct {
	Added   []string `json:"added,omitempty"`
	Dropped []string `json:"dropped,omitempty"`
}

// Heartbeat reports governor liveness and capacity.
type Heartbeat struct {
	GovernorID string        `json:"governor_id"`
	FreeSlots  int           `json:"free_slots"`
	Resident   ResidentDelta `json:"resident"`
}

func (m Heartbeat) Validate() error {
	if strings.TrimSpace(m.GovernorID) == "" {
		return fmt.Errorf("%w: heartbeat missing governor_id", ErrInvalidMessage)
	}
	if m.FreeSlots < 0 {
		return fmt.Errorf("%w: heartbeat negative free_slots", ErrInvalidMessage)
	}
	return nil
}

// OutputReport carries one produced object's identity and size.
type OutputReport struct {
	ID   string `json:"id"`
	Size uint64 `json:"size"`
}

// TaskFinished reports successful completion of an assigned task.
type TaskFinished struct {
	GovernorID string         `json:"governor_id"`
	Session    string         `json:"session"`
	TaskID     string         `json:"task_id"`
	Outputs    []OutputReport `json:"outputs"`
}

func (m TaskFinished) Validate() error {
	if strings.TrimSpace(m.TaskID) == "" || strings.TrimSpace(m.Session) == "" {
		return fmt.Errorf("%w: task finished missing ids", ErrInvalidMessage)
	}
	return nil
}

// TaskFailed reports an execution failure with its diagnostic.
type TaskFailed struct {
	GovernorID string `json:"governor_id"`
	Session    string `json:"session"`
	TaskID     string `json:"task_id"`
	Reason     string `json:"reason"`
	ExitCode   int    `json:"exit_code,omitempty"`
	Transient  bool   `json:"transient,omitempty"`
}

func (m TaskFailed) Validate() error {
	if strings.TrimSpace(m.TaskID) == "" || strings.TrimSpace(m.Session) == "" {
		return fmt.Errorf("%w: task failed missing ids", ErrInvalidMessage)
	}
	return nil
}

// ObjectFinished reports that an object's bytes are resident locally.
type ObjectFinished struct {
	GovernorID string `json:"governor_id"`
	Session    string `json:"session"`
	ObjectID   string `json:"object_id"`
	Size       uint64 `json:"size"`
}

func (m ObjectFinished) Validate() error {
	if strings.TrimSpace(m.ObjectID) == "" || strings.TrimSpace(m.Session) == "" {
		return fmt.Errorf("%w: object finished missing ids", ErrInvalidMessage)
	}
	return nil
}

// LocationQuery asks the server for current holders of an object, used
// when assignment hints turn out stale.
type LocationQuery struct {
	Session  string `json:"session"`
	ObjectID string `json:"object_id"`
}

func (m LocationQuery) Validate() error { return validateSessionObject(m.Session, m.ObjectID) }

// LocationReply lists data-plane addresses currently holding the object.
type LocationReply struct {
	ObjectID  string   `json:"object_id"`
	DataAddrs []string `json:"data_addrs"`
}

// InputHint tells the assigned governor where a non-local input can be
// fetched from. Residency may be stale; governors fall back to a
// LocationQuery on fetch failure. Client-provided literal inputs travel
// inline in Data instead of through the data plane.
type InputHint struct {
	ObjectID  string   `json:"object_id"`
	DataAddrs []string `json:"data_addrs,omitempty"`
	Data      []byte   `json:"data,omitempty"`
	Literal   bool     `json:"literal,omitempty"`
}

// AssignTask hands one ready task to a governor.
type AssignTask struct {
	Session string      `json:"session"`
	Task    TaskSpec    `json:"task"`
	Hints   []InputHint `json:"hints,omitempty"`
}

func (m AssignTask) Validate() error {
	if strings.TrimSpace(m.Session) == "" {
		return fmt.Errorf("%w: assign missing session", ErrInvalidMessage)
	}
	return m.Task.Validate()
}

// RemoveObject instructs a governor to free a removed object's bytes.
type RemoveObject struct {
	Session  string `json:"session"`
	ObjectID string `json:"object_id"`
}

func (m RemoveObject) Validate() error { return validateSessionObject(m.Session, m.ObjectID) }

// KillTask asks a governor to terminate a running task, best effort.
// The task's eventual report is still accepted by the server, which
// drops it if the session is gone.
type KillTask struct {
	Session string `json:"session"`
	TaskID  string `json:"task_id"`
}

func (m KillTask) Validate() error {
	if strings.TrimSpace(m.Session) == "" || strings.TrimSpace(m.TaskID) == "" {
		return fmt.Errorf("%w: kill missing ids", ErrInvalidMessage)
	}
	return nil
}

// Ping is a server liveness probe for suspect governors.
type Ping struct {
	Nonce uint64 `json:"nonce"`
}

// Pong answers a Ping with its nonce.
type Pong struct {
	Nonce uint64 `json:"nonce"`
}

// ErrorReply is the negative response to any request frame.
type ErrorReply struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (m ErrorReply) Validate() error {
	if m.Code == 0 {
		return fmt.Errorf("%w: error reply missing code", ErrInvalidMessage)
	}
	return nil
}

// Ack is the positive empty response to a request frame.
type Ack struct{}
