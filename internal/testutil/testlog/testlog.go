package testlog

import (
	"testing"

	"github.com/rs/zerolog"
)

// New returns a logger that routes through t.Log, so output is only
// shown for failing tests.
func New(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}
