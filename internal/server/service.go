package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrylab/quarry/internal/observability"
)

// Run binds the control and metrics listeners and serves until ctx is
// cancelled or the journal reports a storage failure.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("control listener up")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptLoop(ctx, ln) })
	g.Go(func() error { return s.tickLoop(ctx) })
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, s.cfg.MetricsAddr) })
	}
	g.Go(func() error {
		select {
		case err := <-s.fatal:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.HandleConn(nc)
	}
}

// tickLoop drives the periodic liveness sweep and the fallback
// scheduling pass that catches placements missed by event triggers.
func (s *Server) tickLoop(ctx context.Context) error {
	sweep := time.NewTicker(s.cfg.HeartbeatEvery())
	defer sweep.Stop()
	schedule := time.NewTicker(s.cfg.SchedulingEvery())
	defer schedule.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-sweep.C:
			s.SweepLiveness(now)
		case <-schedule.C:
			s.SchedulePass()
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: observability.Handler()}
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-done:
		return err
	}
}
