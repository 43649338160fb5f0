package transfer

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/quarrylab/quarry/internal/objectstore"
)

// Server streams object bytes out of the local store. Each request is
// served under a scoped hold, so concurrent removals never yank bytes
// out from under an in-flight transfer.
type Server struct {
	store *objectstore.Store
	log   zerolog.Logger
}

func NewServer(store *objectstore.Store, log zerolog.Logger) *Server {
	return &Server{store: store, log: log.With().Str("component", "transfer").Logger()}
}

// Serve accepts fetch connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Minute))

	objectID, err := readRequest(conn)
	if err != nil {
		s.log.Debug().Err(err).Msg("bad fetch request")
		return
	}

	hold, err := s.store.Acquire(objectID)
	if err != nil {
		s.log.Debug().Err(err).Str("object", objectID).Msg("fetch for absent object")
		writeStatus(conn, statusNotFound)
		return
	}
	defer hold.Close()

	if err := writeStatus(conn, statusOK); err != nil {
		return
	}
	if err := writeLength(conn, hold.Size()); err != nil {
		return
	}

	digest := xxhash.New()
	if _, err := io.Copy(io.MultiWriter(conn, digest), hold); err != nil {
		s.log.Warn().Err(err).Str("object", objectID).Msg("transfer aborted mid-stream")
		return
	}
	writeLength(conn, digest.Sum64())
}
