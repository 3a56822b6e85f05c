package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/types"

	_ "modernc.org/sqlite"
)

// SQLite is a Store on database/sql with the pure-Go sqlite driver. Times
// are stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := Migrate(ctx, db, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveSession(ctx context.Context, sess *types.VoiceSession) error {
	sessCtx, err := marshalContext(sess.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, state, start_time, end_time, last_activity,
			transcript, context, language, quality, active_call_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			end_time = excluded.end_time,
			last_activity = excluded.last_activity,
			transcript = excluded.transcript,
			context = excluded.context,
			language = excluded.language,
			quality = excluded.quality,
			active_call_id = excluded.active_call_id`,
		sess.ID, sess.UserID, string(sess.State), toMillis(sess.StartTime), nullMillis(sess.EndTime),
		toMillis(sess.LastActivity), sess.Transcript, sessCtx, sess.Language, string(sess.Quality),
		nullString(sess.ActiveCallID))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*types.VoiceSession, error) {
	var (
		sess        types.VoiceSession
		state       string
		quality     string
		start, last int64
		end         sql.NullInt64
		raw, active sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, state, start_time, end_time, last_activity,
			transcript, context, language, quality, active_call_id
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &state, &start, &end, &last,
			&sess.Transcript, &raw, &sess.Language, &quality, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.State = types.VoiceState(state)
	sess.Quality = types.AudioQuality(quality)
	sess.StartTime = fromMillis(start)
	sess.LastActivity = fromMillis(last)
	sess.EndTime = fromNullMillis(end)
	sess.ActiveCallID = active.String
	if sess.Context, err = unmarshalContext([]byte(raw.String)); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLite) SaveCall(ctx context.Context, c *types.PhoneCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, session_id, provider_call_id, from_number, to_number,
			direction, state, start_time, end_time, recording_url, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			session_id = excluded.session_id,
			provider_call_id = excluded.provider_call_id,
			state = excluded.state,
			end_time = excluded.end_time,
			recording_url = excluded.recording_url,
			cost = excluded.cost`,
		c.ID, nullString(c.SessionID), nullString(c.ProviderCallID), c.From, c.To,
		string(c.Direction), string(c.State), toMillis(c.StartTime), nullMillis(c.EndTime),
		c.RecordingURL, c.Cost)
	if err != nil {
		return fmt.Errorf("save call %s: %w", c.ID, err)
	}
	return nil
}

const sqliteCallColumns = `id, session_id, provider_call_id, from_number, to_number,
	direction, state, start_time, end_time, recording_url, cost`

func (s *SQLite) GetCall(ctx context.Context, id string) (*types.PhoneCall, error) {
	return scanSQLiteCall(s.db.QueryRowContext(ctx, `SELECT `+sqliteCallColumns+` FROM calls WHERE id = ?`, id))
}

func (s *SQLite) GetCallByProviderID(ctx context.Context, providerCallID string) (*types.PhoneCall, error) {
	return scanSQLiteCall(s.db.QueryRowContext(ctx, `SELECT `+sqliteCallColumns+` FROM calls WHERE provider_call_id = ?`, providerCallID))
}

func scanSQLiteCall(row *sql.Row) (*types.PhoneCall, error) {
	var (
		c                     types.PhoneCall
		sessionID, providerID sql.NullString
		direction, state      string
		start                 int64
		end                   sql.NullInt64
		cost                  sql.NullFloat64
	)
	err := row.Scan(&c.ID, &sessionID, &providerID, &c.From, &c.To,
		&direction, &state, &start, &end, &c.RecordingURL, &cost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	c.SessionID = sessionID.String
	c.ProviderCallID = providerID.String
	c.Direction = types.CallDirection(direction)
	c.State = types.CallState(state)
	c.StartTime = fromMillis(start)
	c.EndTime = fromNullMillis(end)
	if cost.Valid {
		v := cost.Float64
		c.Cost = &v
	}
	return &c, nil
}

func (s *SQLite) AppendTranscript(ctx context.Context, t *types.Transcript) error {
	segments, err := marshalSegments(t.Segments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcripts (id, session_id, ts, speaker, text, confidence, language, segments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, toMillis(t.Timestamp), t.Speaker, t.Text, t.Confidence, t.Language, segments)
	if err != nil {
		return fmt.Errorf("append transcript %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLite) ListTranscripts(ctx context.Context, sessionID string, limit int) ([]types.Transcript, error) {
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, ts, speaker, text, confidence, language, segments
		FROM transcripts WHERE session_id = ?
		ORDER BY ts, id LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transcripts %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.Transcript
	for rows.Next() {
		var (
			t   types.Transcript
			ts  int64
			raw sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &ts, &t.Speaker, &t.Text,
			&t.Confidence, &t.Language, &raw); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		t.Timestamp = fromMillis(ts)
		if t.Segments, err = unmarshalSegments([]byte(raw.String)); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) PruneSessions(ctx context.Context, endedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE end_time IS NOT NULL AND end_time < ?`, toMillis(endedBefore))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
