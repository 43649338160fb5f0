package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/quarrylab/quarry/internal/protocol/frame"
)

type validator interface {
	Validate() error
}

// TypeOf maps a message value to its frame type identifier.
func TypeOf(msg any) (uint16, error) {
	switch msg.(type) {
	case SubmitGraph, *SubmitGraph:
		return TypeSubmitGraph, nil
	case SubmitResult, *SubmitResult:
		return TypeSubmitResult, nil
	case KeepObject, *KeepObject:
		return TypeKeepObject, nil
	case ReleaseObject, *ReleaseObject:
		return TypeReleaseObject, nil
	case WaitFor, *WaitFor:
		return TypeWaitFor, nil
	case Notify, *Notify:
		return TypeNotify, nil
	case CloseSession, *CloseSession:
		return TypeCloseSession, nil
	case Register, *Register:
		return TypeRegister, nil
	case RegisterAck, *RegisterAck:
		return TypeRegisterAck, nil
	case Heartbeat, *Heartbeat:
		return TypeHeartbeat, nil
	case TaskFinished, *TaskFinished:
		return TypeTaskFinished, nil
	case TaskFailed, *TaskFailed:
		return TypeTaskFailed, nil
	case ObjectFinished, *ObjectFinished:
		return TypeObjectFinished, nil
	case LocationQuery, *LocationQuery:
		return TypeLocationQuery, nil
	case LocationReply, *LocationReply:
		return TypeLocationReply, nil
	case AssignTask, *AssignTask:
		return TypeAssignTask, nil
	case RemoveObject, *RemoveObject:
		return TypeRemoveObject, nil
	case KillTask, *KillTask:
		return TypeKillTask, nil
	case Ping, *Ping:
		return TypePing, nil
	case Pong, *Pong:
		return TypePong, nil
	case ErrorReply, *ErrorReply:
		return TypeErrorReply, nil
	case Ack, *Ack:
		return TypeAck, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
}

// Decode unmarshals a frame payload into the typed message for its
// header type and validates it.
func Decode(f frame.Frame) (any, error) {
	msg, err := newMessage(f.Header.Type)
	if err != nil {
		return nil, err
	}
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, msg); err != nil {
			return nil, fmt.Errorf("%w: type %d: %v", ErrInvalidMessage, f.Header.Type, err)
		}
	}
	if v, ok := msg.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func newMessage(t uint16) (any, error) {
	switch t {
	case TypeSubmitGraph:
		return &SubmitGraph{}, nil
	case TypeSubmitResult:
		return &SubmitResult{}, nil
	case TypeKeepObject:
		return &KeepObject{}, nil
	case TypeReleaseObject:
		return &ReleaseObject{}, nil
	case TypeWaitFor:
		return &WaitFor{}, nil
	case TypeNotify:
		return &Notify{}, nil
	case TypeCloseSession:
		return &CloseSession{}, nil
	case TypeRegister:
		return &Register{}, nil
	case TypeRegisterAck:
		return &RegisterAck{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypeTaskFinished:
		return &TaskFinished{}, nil
	case TypeTaskFailed:
		return &TaskFailed{}, nil
	case TypeObjectFinished:
		return &ObjectFinished{}, nil
	case TypeLocationQuery:
		return &LocationQuery{}, nil
	case TypeLocationReply:
		return &LocationReply{}, nil
	case TypeAssignTask:
		return &AssignTask{}, nil
	case TypeRemoveObject:
		return &RemoveObject{}, nil
	case TypeKillTask:
		return &KillTask{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeErrorReply:
		return &ErrorReply{}, nil
	case TypeAck:
		return &Ack{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}

// Conn wraps one persistent control connection with typed send/receive.
// Writes are serialized; reads are expected from a single owner loop.
type Conn struct {
	rw     io.ReadWriter
	limits frame.Limits

	writeMu sync.Mutex
	nextID  atomic.Uint64
}

func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw, limits: frame.DefaultLimits()}
}

// Send writes msg as a fresh request frame and returns its message id.
func (c *Conn) Send(msg any) (uint64, error) {
	id := c.nextID.Add(1)
	return id, c.write(msg, id, 0)
}

// Reply writes msg as the response to message id inReplyTo.
func (c *Conn) Reply(inReplyTo uint64, msg any) error {
	flags := frame.FlagResponse
	if _, ok := msg.(ErrorReply); ok {
		flags |= frame.FlagError
	} else if _, ok := msg.(*ErrorReply); ok {
		flags |= frame.FlagError
	}
	return c.write(msg, inReplyTo, flags)
}

func (c *Conn) write(msg any, id uint64, flags uint32) error {
	t, err := TypeOf(msg)
	if err != nil {
		return err
	}
	if v, ok := msg.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.Write(c.rw, frame.Frame{
		Header:  frame.Header{Type: t, MessageID: id, Flags: flags},
		Payload: payload,
	}, c.limits)
}

// Envelope is one received message with its frame metadata.
type Envelope struct {
	MessageID  uint64
	Type       uint16
	IsResponse bool
	IsError    bool
	Msg        any
}

// Receive blocks for the next frame and decodes it.
func (c *Conn) Receive() (Envelope, error) {
	f, err := frame.Read(c.rw, c.limits)
	if err != nil {
		return Envelope{}, err
	}
	msg, err := Decode(f)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		MessageID:  f.Header.MessageID,
		Type:       f.Header.Type,
		IsResponse: f.Header.Flags&frame.FlagResponse != 0,
		IsError:    f.Header.Flags&frame.FlagError != 0,
		Msg:        msg,
	}, nil
}
