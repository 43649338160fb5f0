package transfer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/quarrylab/quarry/internal/objectstore"
)

func newStore(t *testing.T) *objectstore.Store {
	t.Helper()
	s, err := objectstore.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return s
}

func startServer(t *testing.T, store *objectstore.Store) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer(store, zerolog.Nop())
	go srv.Serve(ctx, lis)
	return lis.Addr().String()
}

func TestFetchRoundTrip(t *testing.T) {
	src := newStore(t)
	payload := bytes.Repeat([]byte("quarry data "), 4096)
	if err := src.Put("s1/o1", payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	addr := startServer(t, src)

	dst := newStore(t)
	c := NewClient(dst, zerolog.Nop())
	if err := c.Ensure(context.Background(), "s1/o1", []string{addr}); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	h, err := dst.Acquire("s1/o1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Close()
	got, err := h.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %d vs %d bytes", len(got), len(payload))
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	dst := newStore(t)
	dst.Put("s1/o1", []byte("already here"))
	c := NewClient(dst, zerolog.Nop())
	// No sources needed when the object is already resident.
	if err := c.Ensure(context.Background(), "s1/o1", nil); err != nil {
		t.Fatalf("ensure: %v", err)
	}
}

func TestMissingObjectFallsToAlternateSource(t *testing.T) {
	empty := newStore(t)
	full := newStore(t)
	full.Put("s1/o1", []byte("replica"))

	emptyAddr := startServer(t, empty)
	fullAddr := startServer(t, full)

	dst := newStore(t)
	c := NewClient(dst, zerolog.Nop())
	if err := c.Ensure(context.Background(), "s1/o1", []string{emptyAddr, fullAddr}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !dst.Contains("s1/o1") {
		t.Fatalf("object not fetched from alternate")
	}
}

// corruptPeer speaks the data-plane protocol but lies about the hash.
func corruptPeer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				if _, err := readRequest(conn); err != nil {
					return
				}
				conn.Write([]byte{statusOK})
				var lenBuf [8]byte
				binary.BigEndian.PutUint64(lenBuf[:], 4)
				conn.Write(lenBuf[:])
				conn.Write([]byte("junk"))
				binary.BigEndian.PutUint64(lenBuf[:], 0xdeadbeef) // wrong digest
				conn.Write(lenBuf[:])
			}(conn)
		}
	}()
	return lis.Addr().String()
}

func TestIntegrityFailureFallsToAlternateSource(t *testing.T) {
	full := newStore(t)
	full.Put("s1/o1", []byte("good"))
	goodAddr := startServer(t, full)
	badAddr := corruptPeer(t)

	dst := newStore(t)
	c := NewClient(dst, zerolog.Nop())
	if err := c.Ensure(context.Background(), "s1/o1", []string{badAddr, goodAddr}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	h, err := dst.Acquire("s1/o1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Close()
	got, _ := h.Bytes()
	if string(got) != "good" {
		t.Fatalf("kept corrupt payload: %q", got)
	}
}

// counterValue reads one counter from the default registry; an empty
// label name selects the unlabelled metric.
func counterValue(t *testing.T, name, label, labelValue string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == labelValue {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestFetchOutcomesAreCounted(t *testing.T) {
	src := newStore(t)
	payload := []byte("metered payload")
	src.Put("s1/o1", payload)
	addr := startServer(t, src)

	okBefore := counterValue(t, "quarry_governor_transfers_total", "outcome", "ok")
	bytesBefore := counterValue(t, "quarry_governor_transfer_bytes_total", "", "")
	badBefore := counterValue(t, "quarry_governor_transfers_total", "outcome", "integrity")

	dst := newStore(t)
	c := NewClient(dst, zerolog.Nop())
	if err := c.Ensure(context.Background(), "s1/o1", []string{addr}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got := counterValue(t, "quarry_governor_transfers_total", "outcome", "ok") - okBefore; got != 1 {
		t.Fatalf("ok transfers delta = %v, want 1", got)
	}
	if got := counterValue(t, "quarry_governor_transfer_bytes_total", "", "") - bytesBefore; got != float64(len(payload)) {
		t.Fatalf("transfer bytes delta = %v, want %d", got, len(payload))
	}

	bad := corruptPeer(t)
	if err := c.Ensure(context.Background(), "s1/o2", []string{bad}); err == nil {
		t.Fatalf("expected fetch from corrupt peer to fail")
	}
	if got := counterValue(t, "quarry_governor_transfers_total", "outcome", "integrity") - badBefore; got != 1 {
		t.Fatalf("integrity failures delta = %v, want 1", got)
	}
}

func TestAllSourcesFailed(t *testing.T) {
	empty := newStore(t)
	addr := startServer(t, empty)

	dst := newStore(t)
	c := NewClient(dst, zerolog.Nop())
	err := c.Ensure(context.Background(), "s1/o1", []string{addr})
	if !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected no source, got %v", err)
	}
}
