// Package store persists voice sessions, phone calls and transcripts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence boundary. Implementations are safe for
// concurrent use.
type Store interface {
	// SaveSession inserts or replaces a session row.
	SaveSession(ctx context.Context, s *types.VoiceSession) error
	GetSession(ctx context.Context, id string) (*types.VoiceSession, error)

	// SaveCall inserts or replaces a call row.
	SaveCall(ctx context.Context, c *types.PhoneCall) error
	GetCall(ctx context.Context, id string) (*types.PhoneCall, error)
	GetCallByProviderID(ctx context.Context, providerCallID string) (*types.PhoneCall, error)

	// AppendTranscript inserts a transcript row. Transcripts are never updated.
	AppendTranscript(ctx context.Context, t *types.Transcript) error
	// ListTranscripts returns a session's transcripts ordered by timestamp.
	ListTranscripts(ctx context.Context, sessionID string, limit int) ([]types.Transcript, error)

	// PruneSessions deletes terminal sessions that ended before cutoff.
	PruneSessions(ctx context.Context, endedBefore time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open selects a backend from the DSN:
//
//	postgres://... or postgresql://...  PostgreSQL via pgx
//	sqlite://path, file:path, path.db   SQLite
//	"" or ":memory:"                     in-memory SQLite
//
// Migrations are applied before Open returns.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case dsn == "", dsn == ":memory:":
		return OpenSQLite(ctx, ":memory:")
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store dsn %q", redactDSN(dsn))
	}
}

// Kind names the backend behind a DSN without opening it.
func Kind(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

func redactDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
}
