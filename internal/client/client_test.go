package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/journal"
	"github.com/quarrylab/quarry/internal/protocol"
	"github.com/quarrylab/quarry/internal/server"
	"github.com/quarrylab/quarry/internal/testutil/testlog"
)

// dialTestServer runs a real server behind an in-memory pipe.
func dialTestServer(t *testing.T) *Client {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.JournalDir = t.TempDir()
	jrnl, err := journal.Open(cfg.JournalDir, testlog.New(t))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { jrnl.Close() })
	srv := server.New(cfg, jrnl, testlog.New(t))

	serverEnd, clientEnd := net.Pipe()
	go srv.HandleConn(serverEnd)
	c := NewClient(clientEnd, testlog.New(t))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSubmitMintsSession(t *testing.T) {
	c := dialTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Submit(ctx, "", nil, []protocol.ObjectSpec{{ID: "L", Data: []byte("x")}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Session == "" || len(res.ObjectIDs) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Same session accepts a follow-up batch.
	res2, err := c.Submit(ctx, res.Session, nil, []protocol.ObjectSpec{{ID: "M", Data: []byte("y")}})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if res2.Session != res.Session {
		t.Fatalf("session changed across submissions")
	}
}

func TestWaitForResolvedLiteral(t *testing.T) {
	c := dialTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Submit(ctx, "", nil, []protocol.ObjectSpec{{ID: "L", Data: []byte("abc")}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := c.WaitFor(ctx, res.Session, []string{"L"})
	if err != nil {
		t.Fatalf("waitfor: %v", err)
	}
	n := got["L"]
	if n.State != protocol.NotifyFinished || n.Size != 3 {
		t.Fatalf("unexpected notify: %+v", n)
	}
}

func TestServerErrorsCarryCodes(t *testing.T) {
	c := dialTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Submit(ctx, "", []protocol.TaskSpec{
		{ID: "A", Op: protocol.OpConcat, Inputs: []protocol.ObjectRef{{ID: "missing"}}, Outputs: []protocol.ObjectRef{{ID: "O"}}, CPUs: 1},
	}, nil)
	var serr *ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if serr.Code != protocol.CodeUnknownInput {
		t.Fatalf("code = %d, want %d", serr.Code, protocol.CodeUnknownInput)
	}

	if err := c.Keep(ctx, "no-such-session", "L"); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}

func TestCloseSessionRejectsFurtherWork(t *testing.T) {
	c := dialTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Submit(ctx, "", nil, []protocol.ObjectSpec{{ID: "L", Data: []byte("x")}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.CloseSession(ctx, res.Session); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = c.Submit(ctx, res.Session, nil, []protocol.ObjectSpec{{ID: "M", Data: []byte("y")}})
	var serr *ServerError
	if !errors.As(err, &serr) || serr.Code != protocol.CodeSessionClosed {
		t.Fatalf("expected session-closed error, got %v", err)
	}
}
