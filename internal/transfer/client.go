package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/quarrylab/quarry/internal/objectstore"
	"github.com/quarrylab/quarry/internal/observability"
)

// Client pulls remote objects into the local store. Concurrent requests
// for the same object collapse into one fetch.
type Client struct {
	store   *objectstore.Store
	log     zerolog.Logger
	group   singleflight.Group
	dialer  net.Dialer
	timeout time.Duration
}

func NewClient(store *objectstore.Store, log zerolog.Logger) *Client {
	return &Client{
		store:   store,
		log:     log.With().Str("component", "transfer").Logger(),
		timeout: 10 * time.Second,
	}
}

// Ensure makes objectID resident locally, fetching from the first
// reachable source whose stream passes the integrity check. Sources are
// tried in order; each failure moves to the next.
func (c *Client) Ensure(ctx context.Context, objectID string, sources []string) error {
	if c.store.Contains(objectID) {
		return nil
	}
	_, err, _ := c.group.Do(objectID, func() (any, error) {
		if c.store.Contains(objectID) {
			return nil, nil
		}
		var lastErr error = ErrNoSource
		for _, addr := range sources {
			err := c.fetchFrom(ctx, objectID, addr)
			if err == nil {
				return nil, nil
			}
			c.log.Warn().Err(err).Str("object", objectID).Str("peer", addr).Msg("fetch attempt failed")
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		return nil, fmt.Errorf("%w: %s: last error: %v", ErrNoSource, objectID, lastErr)
	})
	return err
}

// fetchFrom pulls one object from one peer, counting the attempt by
// outcome.
func (c *Client) fetchFrom(ctx context.Context, objectID, addr string) error {
	size, err := c.fetchOnce(ctx, objectID, addr)
	switch {
	case err == nil:
		observability.RecordTransfer("ok", size)
	case errors.Is(err, ErrIntegrity):
		observability.RecordTransfer("integrity", 0)
	default:
		observability.RecordTransfer("error", 0)
	}
	return err
}

func (c *Client) fetchOnce(ctx context.Context, objectID, addr string) (uint64, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("transfer: dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Minute))

	if err := writeRequest(conn, objectID); err != nil {
		return 0, err
	}

	var status [1]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		return 0, err
	}
	if err := statusErr(status[0]); err != nil {
		return 0, err
	}

	size, err := readLength(conn)
	if err != nil {
		return 0, err
	}

	b, err := c.store.NewBuilder(objectID, size)
	if err != nil {
		return 0, err
	}
	digest := xxhash.New()
	if _, err := io.CopyN(io.MultiWriter(b, digest), conn, int64(size)); err != nil {
		b.Abort()
		return 0, err
	}
	want, err := readLength(conn)
	if err != nil {
		b.Abort()
		return 0, err
	}
	if digest.Sum64() != want {
		b.Abort()
		return 0, fmt.Errorf("%w: %s from %s", ErrIntegrity, objectID, addr)
	}
	return size, b.Commit()
}
