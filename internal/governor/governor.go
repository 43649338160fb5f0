// Package governor implements the worker agent: it registers with the
// server, heartbeats its capacity and resident objects, executes
// assigned tasks in a bounded slot pool, and serves its objects to
// peers over the data plane.
package governor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/objectstore"
	"github.com/quarrylab/quarry/internal/observability"
	"github.com/quarrylab/quarry/internal/protocol"
	"github.com/quarrylab/quarry/internal/transfer"
)

var (
	ErrNotRegistered = errors.New("governor: not registered")
	ErrCallTimeout   = errors.New("governor: control call timed out")
	ErrDeregistered  = errors.New("governor: server dropped this registration")
)

const callTimeout = 10 * time.Second

// Governor is one worker process. A single read loop owns the control
// connection; responses are routed to waiting calls by message id.
type Governor struct {
	cfg   config.GovernorConfig
	log   zerolog.Logger
	store *objectstore.Store
	fetch *transfer.Client

	conn  *protocol.Conn
	id    string
	slots *semaphore.Weighted

	mu           sync.Mutex
	calls        map[uint64]chan protocol.Envelope
	running      map[string]context.CancelFunc
	busy         int
	lastResident map[string]struct{}

	heartbeatEvery time.Duration
}

func New(cfg config.GovernorConfig, store *objectstore.Store, log zerolog.Logger) *Governor {
	log = log.With().Str("component", "governor").Logger()
	return &Governor{
		cfg:          cfg,
		log:          log,
		store:        store,
		fetch:        transfer.NewClient(store, log),
		slots:        semaphore.NewWeighted(int64(cfg.Slots)),
		calls:        make(map[uint64]chan protocol.Envelope),
		running:      make(map[string]context.CancelFunc),
		lastResident: make(map[string]struct{}),
	}
}

// composite is the store and data-plane key for one object. Sessions
// namespace object ids, so the flat key carries both.
func composite(session, objectID string) string { return session + "/" + objectID }

// Run connects to the server and serves until ctx is cancelled or the
// control connection breaks.
func (g *Governor) Run(ctx context.Context) error {
	if err := os.MkdirAll(g.cfg.WorkDir, 0o755); err != nil {
		return err
	}
	dataLis, err := net.Listen("tcp", g.cfg.DataListenAddr)
	if err != nil {
		return err
	}
	defer dataLis.Close()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", g.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("governor: dial server %s: %w", g.cfg.ServerAddr, err)
	}
	defer nc.Close()

	return g.serve(ctx, nc, dataLis)
}

// serve runs the registered governor over an established control
// connection. Split from Run so tests can drive it over a pipe.
func (g *Governor) serve(ctx context.Context, nc net.Conn, dataLis net.Listener) error {
	g.conn = protocol.NewConn(nc)
	if err := g.register(dataLis); err != nil {
		return err
	}
	g.log.Info().Str("governor", g.id).Str("server", g.cfg.ServerAddr).Msg("registered")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.readLoop(ctx) })
	eg.Go(func() error { return g.heartbeatLoop(ctx) })
	eg.Go(func() error { return transfer.NewServer(g.store, g.log).Serve(ctx, dataLis) })
	eg.Go(func() error {
		<-ctx.Done()
		nc.Close()
		return ctx.Err()
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Governor) register(dataLis net.Listener) error {
	dataAddr := g.cfg.AdvertiseAddr
	if dataAddr == "" {
		dataAddr = dataLis.Addr().String()
	}
	if _, err := g.conn.Send(protocol.Register{
		Addr:     g.cfg.ServerAddr,
		DataAddr: dataAddr,
		CPUs:     g.cfg.Slots,
		Labels:   g.cfg.Labels,
	}); err != nil {
		return err
	}
	env, err := g.conn.Receive()
	if err != nil {
		return err
	}
	ack, ok := env.Msg.(*protocol.RegisterAck)
	if !ok {
		return fmt.Errorf("%w: expected register ack, got %T", ErrNotRegistered, env.Msg)
	}
	g.mu.Lock()
	g.id = ack.GovernorID
	g.mu.Unlock()
	g.heartbeatEvery = time.Duration(ack.HeartbeatIntervalMS) * time.Millisecond
	return nil
}

// ID is the server-assigned identity, empty before registration.
func (g *Governor) ID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.id
}

// call sends a request and waits for its correlated response.
func (g *Governor) call(ctx context.Context, msg any) (protocol.Envelope, error) {
	ch := make(chan protocol.Envelope, 1)
	id, err := g.conn.Send(msg)
	if err != nil {
		return protocol.Envelope{}, err
	}
	g.mu.Lock()
	g.calls[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.calls, id)
		g.mu.Unlock()
	}()

	select {
	case env := <-ch:
		return env, nil
	case <-time.After(callTimeout):
		return protocol.Envelope{}, ErrCallTimeout
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// report sends a request and logs, rather than returns, a negative
// response. Server-side rejection of a report (a closed session, a
// stale task) is not a governor failure.
func (g *Governor) report(ctx context.Context, msg any) {
	env, err := g.call(ctx, msg)
	if err != nil {
		g.log.Warn().Err(err).Type("msg", msg).Msg("report not acknowledged")
		return
	}
	if reply, ok := env.Msg.(*protocol.ErrorReply); ok {
		g.log.Debug().Uint32("code", reply.Code).Str("detail", reply.Message).Type("msg", msg).Msg("report rejected")
	}
}

func (g *Governor) readLoop(ctx context.Context) error {
	for {
		env, err := g.conn.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return ctx.Err()
			}
			return fmt.Errorf("governor: control connection lost: %w", err)
		}
		if env.IsResponse {
			g.mu.Lock()
			ch, ok := g.calls[env.MessageID]
			g.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		g.dispatch(ctx, env)
	}
}

func (g *Governor) dispatch(ctx context.Context, env protocol.Envelope) {
	switch msg := env.Msg.(type) {
	case *protocol.AssignTask:
		go g.runTask(ctx, msg)
	case *protocol.RemoveObject:
		key := composite(msg.Session, msg.ObjectID)
		if err := g.store.Remove(key); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			g.log.Warn().Err(err).Str("object", key).Msg("remove failed")
		}
	case *protocol.KillTask:
		g.mu.Lock()
		cancel, ok := g.running[composite(msg.Session, msg.TaskID)]
		g.mu.Unlock()
		if ok {
			cancel()
		}
	case *protocol.Ping:
		g.conn.Reply(env.MessageID, protocol.Pong{Nonce: msg.Nonce})
	default:
		g.log.Warn().Uint16("type", env.Type).Msg("unexpected push from server")
	}
}

func (g *Governor) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(g.heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := g.sendHeartbeat(ctx); err != nil {
				return err
			}
		}
	}
}

// sendHeartbeat reports capacity and resident deltas. A rejection with
// CodeUnknownGovernor means the server declared us Lost and forgot our
// id; the only way back is a fresh registration, so tear the process
// down.
func (g *Governor) sendHeartbeat(ctx context.Context) error {
	cur := make(map[string]struct{})
	for _, key := range g.store.List() {
		cur[key] = struct{}{}
	}
	g.mu.Lock()
	delta := residentDiff(g.lastResident, cur)
	g.lastResident = cur
	free := g.cfg.Slots - g.busy
	g.mu.Unlock()
	if free < 0 {
		// Assignments outran the server's capacity view; excess tasks
		// are queued on the slot pool, not running.
		g.log.Warn().Int("deficit", -free).Msg("more assignments than slots")
		free = 0
	}

	observability.SetStoreBytes(g.store.TotalBytes())
	env, err := g.call(ctx, protocol.Heartbeat{
		GovernorID: g.id,
		FreeSlots:  free,
		Resident:   delta,
	})
	if err != nil {
		g.log.Warn().Err(err).Msg("heartbeat not acknowledged")
		return nil
	}
	if reply, ok := env.Msg.(*protocol.ErrorReply); ok {
		if reply.Code == protocol.CodeUnknownGovernor {
			return fmt.Errorf("%w: %s", ErrDeregistered, reply.Message)
		}
		g.log.Debug().Uint32("code", reply.Code).Str("detail", reply.Message).Msg("heartbeat rejected")
	}
	return nil
}

// residentDiff reports keys added and dropped since the last snapshot.
func residentDiff(prev, cur map[string]struct{}) protocol.ResidentDelta {
	var delta protocol.ResidentDelta
	for key := range cur {
		if _, ok := prev[key]; !ok {
			delta.Added = append(delta.Added, key)
		}
	}
	for key := range prev {
		if _, ok := cur[key]; !ok {
			delta.Dropped = append(delta.Dropped, key)
		}
	}
	return delta
}
