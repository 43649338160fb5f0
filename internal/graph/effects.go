package graph

import "encoding/json"

// RecordKind tags one journal entry.
type RecordKind string

const (
	RecordOpenSession    RecordKind = "open_session"
	RecordSubmit         RecordKind = "submit"
	RecordObjectFinished RecordKind = "object_finished"
	RecordTaskFinished   RecordKind = "task_finished"
	RecordTaskFailed     RecordKind = "task_failed"
	RecordKeep           RecordKind = "keep"
	RecordRelease        RecordKind = "release"
	RecordCloseSession   RecordKind = "close_session"
)

// Record is one durable state transition. Replaying all records of a
// session in sequence order reconstructs its task and object states.
// Residency and assignment are deliberately excluded: residency is
// re-learned from heartbeat deltas, assignment is redone by the
// scheduler after a restart.
type Record struct {
	Seq     uint64     `json:"seq"`
	Session string     `json:"session"`
	Kind    RecordKind `json:"kind"`
	Entity  string     `json:"entity,omitempty"`
	Payload []byte     `json:"payload,omitempty"`
}

type submitPayload struct {
	Tasks   []taskSubmit   `json:"tasks,omitempty"`
	Objects []objectSubmit `json:"objects,omitempty"`
}

type taskFinishedPayload struct {
	Outputs []outputSize `json:"outputs,omitempty"`
}

type outputSize struct {
	ID   string `json:"id"`
	Size uint64 `json:"size"`
}

type taskFailedPayload struct {
	Reason    string `json:"reason"`
	Transient bool   `json:"transient,omitempty"`
}

type objectFinishedPayload struct {
	Size uint64 `json:"size"`
}

func (s *State) appendRecord(session string, kind RecordKind, entity string, payload any) {
	if s.restoring {
		return
	}
	var raw []byte
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	s.nextSeq++
	s.records = append(s.records, Record{
		Seq:     s.nextSeq,
		Session: session,
		Kind:    kind,
		Entity:  entity,
		Payload: raw,
	})
}

// Instruction is one outbound side effect queued for the server agent.
// The state machine never delivers anything itself.
type Instruction interface{ isInstruction() }

// TaskBecameReady asks the server to hand a task to the scheduler.
type TaskBecameReady struct {
	Session string
	TaskID  string
}

// RemoveObjectAt asks the server to tell a governor to free bytes.
type RemoveObjectAt struct {
	Session    string
	ObjectID   string
	GovernorID string
}

// ObjectResolved reports a watched-visible terminal outcome for an
// object: finished bytes exist, or its producer terminally failed.
type ObjectResolved struct {
	Session  string
	ObjectID string
	Failed   bool
	Reason   string
	Size     uint64
}

// KillTask asks the server to send a best-effort termination for a
// running task, used on session close.
type KillTask struct {
	Session    string
	TaskID     string
	GovernorID string
}

// TaskUnassigned reports that a task previously occupying a governor
// slot no longer does, so the server can return the capacity.
type TaskUnassigned struct {
	Session    string
	TaskID     string
	GovernorID string
}

func (TaskBecameReady) isInstruction() {}
func (RemoveObjectAt) isInstruction()  {}
func (ObjectResolved) isInstruction()  {}
func (KillTask) isInstruction()        {}
func (TaskUnassigned) isInstruction()  {}

func (s *State) queue(in Instruction) {
	if s.restoring {
		return
	}
	s.instructions = append(s.instructions, in)
}

// Effects is the pending outbound work produced by mutations since the
// last drain. Records must be journaled before instructions are acted
// on, preserving durable-before-acknowledged.
type Effects struct {
	Records      []Record
	Instructions []Instruction
}

// Drain returns and clears all pending effects.
func (s *State) Drain() Effects {
	eff := Effects{Records: s.records, Instructions: s.instructions}
	s.records = nil
	s.instructions = nil
	return eff
}
