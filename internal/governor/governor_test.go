package governor

import (
	"context"
	"errors"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/objectstore"
	"github.com/quarrylab/quarry/internal/protocol"
	"github.com/quarrylab/quarry/internal/testutil/testlog"
)

func newTestGovernor(t *testing.T) *Governor {
	return newTestGovernorSlots(t, 2)
}

func newTestGovernorSlots(t *testing.T, slots int) *Governor {
	t.Helper()
	store, err := objectstore.Open(t.TempDir(), testlog.New(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := config.DefaultGovernorConfig()
	cfg.WorkDir = t.TempDir()
	cfg.Slots = slots
	return New(cfg, store, testlog.New(t))
}

func TestResidentDiff(t *testing.T) {
	prev := map[string]struct{}{"s/a": {}, "s/b": {}}
	cur := map[string]struct{}{"s/b": {}, "s/c": {}}
	delta := residentDiff(prev, cur)
	if len(delta.Added) != 1 || delta.Added[0] != "s/c" {
		t.Fatalf("added = %v, want [s/c]", delta.Added)
	}
	if len(delta.Dropped) != 1 || delta.Dropped[0] != "s/a" {
		t.Fatalf("dropped = %v, want [s/a]", delta.Dropped)
	}
}

func TestRunConcatJoinsInputsInOrder(t *testing.T) {
	g := newTestGovernor(t)
	g.store.Put("s/x", []byte("hello "))
	g.store.Put("s/y", []byte("world"))

	reports, err := g.runConcat(&protocol.AssignTask{
		Session: "s",
		Task: protocol.TaskSpec{
			ID: "t", Op: protocol.OpConcat, CPUs: 1,
			Inputs:  []protocol.ObjectRef{{ID: "x"}, {ID: "y"}},
			Outputs: []protocol.ObjectRef{{ID: "o"}},
		},
	})
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if len(reports) != 1 || reports[0].ID != "o" || reports[0].Size != 11 {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	hold, err := g.store.Acquire("s/o")
	if err != nil {
		t.Fatalf("acquire output: %v", err)
	}
	defer hold.Close()
	b, _ := hold.Bytes()
	if string(b) != "hello world" {
		t.Fatalf("output = %q", b)
	}
}

func TestRunExecuteCollectsDeclaredOutputs(t *testing.T) {
	g := newTestGovernor(t)
	g.store.Put("s/in", []byte("payload"))

	reports, err := g.runExecute(context.Background(), &protocol.AssignTask{
		Session: "s",
		Task: protocol.TaskSpec{
			ID: "t", Op: protocol.OpExecute, CPUs: 1,
			Program: "/bin/sh",
			Args:    []string{"-c", `cat "$QUARRY_IN/in" > "$QUARRY_OUT/res" && printf x >> "$QUARRY_OUT/res"`},
			Inputs:  []protocol.ObjectRef{{ID: "in"}},
			Outputs: []protocol.ObjectRef{{ID: "res"}},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(reports) != 1 || reports[0].Size != 8 {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	hold, err := g.store.Acquire("s/res")
	if err != nil {
		t.Fatalf("acquire output: %v", err)
	}
	defer hold.Close()
	b, _ := hold.Bytes()
	if string(b) != "payloadx" {
		t.Fatalf("output = %q", b)
	}
}

func TestRunExecuteMissingOutputFails(t *testing.T) {
	g := newTestGovernor(t)
	_, err := g.runExecute(context.Background(), &protocol.AssignTask{
		Session: "s",
		Task: protocol.TaskSpec{
			ID: "t", Op: protocol.OpExecute, CPUs: 1,
			Program: "/bin/true",
			Outputs: []protocol.ObjectRef{{ID: "never"}},
		},
	})
	if err == nil {
		t.Fatalf("expected missing-output error")
	}
}

func TestRunExecuteNonZeroExitFails(t *testing.T) {
	g := newTestGovernor(t)
	_, err := g.runExecute(context.Background(), &protocol.AssignTask{
		Session: "s",
		Task: protocol.TaskSpec{
			ID: "t", Op: protocol.OpExecute, CPUs: 1,
			Program: "/bin/sh", Args: []string{"-c", "echo boom >&2; exit 3"},
			Outputs: []protocol.ObjectRef{{ID: "o"}},
		},
	})
	if err == nil {
		t.Fatalf("expected failure for exit 3")
	}
	var ef *execFailure
	if !errors.As(err, &ef) || ef.code != 3 {
		t.Fatalf("exit status not preserved: %v", err)
	}
}

func TestStageInputsSkipsResidentAndWritesLiterals(t *testing.T) {
	g := newTestGovernor(t)
	g.store.Put("s/have", []byte("already here"))

	err := g.stageInputs(context.Background(), &protocol.AssignTask{
		Session: "s",
		Task: protocol.TaskSpec{
			ID: "t", Op: protocol.OpConcat, CPUs: 1,
			Inputs:  []protocol.ObjectRef{{ID: "have"}, {ID: "lit"}},
			Outputs: []protocol.ObjectRef{{ID: "o"}},
		},
		Hints: []protocol.InputHint{
			{ObjectID: "lit", Literal: true, Data: []byte("inline")},
		},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if !g.store.Contains("s/lit") {
		t.Fatalf("literal not staged")
	}
}

// fakeServer scripts the coordinator side of one control connection.
type fakeServer struct {
	conn    *protocol.Conn
	reports chan protocol.Envelope
}

func startFakeServer(t *testing.T, nc net.Conn) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conn:    protocol.NewConn(nc),
		reports: make(chan protocol.Envelope, 32),
	}
	go func() {
		for {
			env, err := fs.conn.Receive()
			if err != nil {
				close(fs.reports)
				return
			}
			switch env.Msg.(type) {
			case *protocol.Register:
				fs.conn.Reply(env.MessageID, protocol.RegisterAck{
					GovernorID:          "gov-1",
					HeartbeatIntervalMS: 60_000,
				})
			default:
				fs.conn.Reply(env.MessageID, protocol.Ack{})
				fs.reports <- env
			}
		}
	}()
	return fs
}

// connectFake wires a governor to a scripted server without going
// through serve, for tests that drive single calls directly.
func connectFake(t *testing.T, g *Governor) *fakeServer {
	t.Helper()
	serverEnd, govEnd := net.Pipe()
	t.Cleanup(func() {
		serverEnd.Close()
		govEnd.Close()
	})
	fs := startFakeServer(t, serverEnd)
	g.conn = protocol.NewConn(govEnd)
	g.id = "gov-1"
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.readLoop(ctx)
	return fs
}

func (fs *fakeServer) recv(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-fs.reports:
		if !ok {
			t.Fatalf("fake server connection closed")
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for governor report")
		return protocol.Envelope{}
	}
}

func TestServeRunsAssignedTask(t *testing.T) {
	g := newTestGovernor(t)
	serverEnd, govEnd := net.Pipe()
	defer serverEnd.Close()

	fs := startFakeServer(t, serverEnd)
	dataLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("data listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.serve(ctx, govEnd, dataLis) }()

	// Wait for registration to land before pushing work.
	deadline := time.Now().Add(2 * time.Second)
	for g.ID() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := g.ID(); got != "gov-1" {
		t.Fatalf("governor did not register, id=%q", got)
	}

	if _, err := fs.conn.Send(protocol.AssignTask{
		Session: "s",
		Task: protocol.TaskSpec{
			ID: "t1", Op: protocol.OpConcat, CPUs: 1,
			Inputs:  []protocol.ObjectRef{{ID: "a"}, {ID: "b"}},
			Outputs: []protocol.ObjectRef{{ID: "o"}},
		},
		Hints: []protocol.InputHint{
			{ObjectID: "a", Literal: true, Data: []byte("foo")},
			{ObjectID: "b", Literal: true, Data: []byte("bar")},
		},
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	var kinds []string
	for len(kinds) < 2 {
		env := fs.recv(t)
		switch msg := env.Msg.(type) {
		case *protocol.ObjectFinished:
			if msg.ObjectID != "o" || msg.Size != 6 {
				t.Fatalf("unexpected object report: %+v", msg)
			}
			kinds = append(kinds, "object")
		case *protocol.TaskFinished:
			if msg.TaskID != "t1" || len(msg.Outputs) != 1 {
				t.Fatalf("unexpected task report: %+v", msg)
			}
			kinds = append(kinds, "task")
		case *protocol.Heartbeat:
			// Ignore; cadence is long but one may still slip in.
		default:
			t.Fatalf("unexpected report %T", env.Msg)
		}
	}
	sort.Strings(kinds)
	if kinds[0] != "object" || kinds[1] != "task" {
		t.Fatalf("reports = %v", kinds)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop on cancel")
	}
}

func TestHeartbeatClampsOverCommit(t *testing.T) {
	g := newTestGovernor(t)
	fs := connectFake(t, g)

	g.mu.Lock()
	g.busy = g.cfg.Slots + 1
	g.mu.Unlock()

	if err := g.sendHeartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	env := fs.recv(t)
	hb, ok := env.Msg.(*protocol.Heartbeat)
	if !ok {
		t.Fatalf("expected heartbeat, got %T", env.Msg)
	}
	if hb.FreeSlots != 0 {
		t.Fatalf("free slots = %d, want 0", hb.FreeSlots)
	}
}

func TestAssignmentsQueueBehindSlots(t *testing.T) {
	g := newTestGovernorSlots(t, 1)
	fs := connectFake(t, g)

	start := time.Now()
	for _, id := range []string{"t1", "t2"} {
		assign := &protocol.AssignTask{
			Session: "s",
			Task: protocol.TaskSpec{
				ID: id, Op: protocol.OpSleep, Args: []string{"200ms"}, CPUs: 1,
				Inputs:  []protocol.ObjectRef{{ID: "in"}},
				Outputs: []protocol.ObjectRef{{ID: "out-" + id}},
			},
			Hints: []protocol.InputHint{{ObjectID: "in", Literal: true, Data: []byte("x")}},
		}
		go g.runTask(context.Background(), assign)
	}

	var second time.Duration
	for finished := 0; finished < 2; {
		env := fs.recv(t)
		if _, ok := env.Msg.(*protocol.TaskFinished); ok {
			finished++
			second = time.Since(start)
		}
	}
	if second < 350*time.Millisecond {
		t.Fatalf("two tasks shared one slot: both done in %v", second)
	}
}

func TestFailureReportCarriesExitCode(t *testing.T) {
	g := newTestGovernor(t)
	fs := connectFake(t, g)

	g.runTask(context.Background(), &protocol.AssignTask{
		Session: "s",
		Task: protocol.TaskSpec{
			ID: "t", Op: protocol.OpExecute, CPUs: 1,
			Program: "/bin/sh", Args: []string{"-c", "exit 7"},
			Outputs: []protocol.ObjectRef{{ID: "o"}},
		},
	})

	env := fs.recv(t)
	failed, ok := env.Msg.(*protocol.TaskFailed)
	if !ok {
		t.Fatalf("expected TaskFailed, got %T", env.Msg)
	}
	if failed.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", failed.ExitCode)
	}
}

func TestServeExitsWhenDeregistered(t *testing.T) {
	g := newTestGovernor(t)
	serverEnd, govEnd := net.Pipe()
	defer serverEnd.Close()

	sc := protocol.NewConn(serverEnd)
	go func() {
		for {
			env, err := sc.Receive()
			if err != nil {
				return
			}
			switch env.Msg.(type) {
			case *protocol.Register:
				sc.Reply(env.MessageID, protocol.RegisterAck{
					GovernorID:          "gov-1",
					HeartbeatIntervalMS: 20,
				})
			case *protocol.Heartbeat:
				sc.Reply(env.MessageID, protocol.ErrorReply{
					Code:    protocol.CodeUnknownGovernor,
					Message: "unknown governor",
				})
			default:
				sc.Reply(env.MessageID, protocol.Ack{})
			}
		}
	}()

	dataLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("data listener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.serve(ctx, govEnd, dataLis) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrDeregistered) {
			t.Fatalf("serve returned %v, want deregistration", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve kept running after heartbeat rejection")
	}
}
