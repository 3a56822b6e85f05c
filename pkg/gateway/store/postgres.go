package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/vango-go/vai-voice/pkg/core/types"
)

const defaultTranscriptLimit = 500

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, migrates and returns a Postgres store.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	_, err = Migrate(ctx, db, "postgres")
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) SaveSession(ctx context.Context, s *types.VoiceSession) error {
	sessCtx, err := marshalContext(s.Context)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, state, start_time, end_time, last_activity,
			transcript, context, language, quality, active_call_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			end_time = excluded.end_time,
			last_activity = excluded.last_activity,
			transcript = excluded.transcript,
			context = excluded.context,
			language = excluded.language,
			quality = excluded.quality,
			active_call_id = excluded.active_call_id`,
		s.ID, s.UserID, string(s.State), s.StartTime.UTC(), utcPtr(s.EndTime), s.LastActivity.UTC(),
		s.Transcript, sessCtx, s.Language, string(s.Quality), nullString(s.ActiveCallID))
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*types.VoiceSession, error) {
	var (
		s       types.VoiceSession
		state   string
		quality string
		raw     []byte
		active  *string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, user_id, state, start_time, end_time, last_activity,
			transcript, context, language, quality, active_call_id
		FROM sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.UserID, &state, &s.StartTime, &s.EndTime, &s.LastActivity,
			&s.Transcript, &raw, &s.Language, &quality, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	s.State = types.VoiceState(state)
	s.Quality = types.AudioQuality(quality)
	s.StartTime = s.StartTime.UTC()
	s.LastActivity = s.LastActivity.UTC()
	s.EndTime = utcPtr(s.EndTime)
	if active != nil {
		s.ActiveCallID = *active
	}
	if s.Context, err = unmarshalContext(raw); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) SaveCall(ctx context.Context, c *types.PhoneCall) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO calls (id, session_id, provider_call_id, from_number, to_number,
			direction, state, start_time, end_time, recording_url, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			session_id = excluded.session_id,
			provider_call_id = excluded.provider_call_id,
			state = excluded.state,
			end_time = excluded.end_time,
			recording_url = excluded.recording_url,
			cost = excluded.cost`,
		c.ID, nullString(c.SessionID), nullString(c.ProviderCallID), c.From, c.To,
		string(c.Direction), string(c.State), c.StartTime.UTC(), utcPtr(c.EndTime), c.RecordingURL, c.Cost)
	if err != nil {
		return fmt.Errorf("save call %s: %w", c.ID, err)
	}
	return nil
}

const pgCallColumns = `id, session_id, provider_call_id, from_number, to_number,
	direction, state, start_time, end_time, recording_url, cost`

func (p *Postgres) GetCall(ctx context.Context, id string) (*types.PhoneCall, error) {
	return p.scanCall(p.pool.QueryRow(ctx, `SELECT `+pgCallColumns+` FROM calls WHERE id = $1`, id))
}

func (p *Postgres) GetCallByProviderID(ctx context.Context, providerCallID string) (*types.PhoneCall, error) {
	return p.scanCall(p.pool.QueryRow(ctx, `SELECT `+pgCallColumns+` FROM calls WHERE provider_call_id = $1`, providerCallID))
}

func (p *Postgres) scanCall(row pgx.Row) (*types.PhoneCall, error) {
	var (
		c          types.PhoneCall
		sessionID  *string
		providerID *string
		direction  string
		state      string
	)
	err := row.Scan(&c.ID, &sessionID, &providerID, &c.From, &c.To,
		&direction, &state, &c.StartTime, &c.EndTime, &c.RecordingURL, &c.Cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	if sessionID != nil {
		c.SessionID = *sessionID
	}
	if providerID != nil {
		c.ProviderCallID = *providerID
	}
	c.Direction = types.CallDirection(direction)
	c.State = types.CallState(state)
	c.StartTime = c.StartTime.UTC()
	c.EndTime = utcPtr(c.EndTime)
	return &c, nil
}

func (p *Postgres) AppendTranscript(ctx context.Context, t *types.Transcript) error {
	segments, err := marshalSegments(t.Segments)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO transcripts (id, session_id, ts, speaker, text, confidence, language, segments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.SessionID, t.Timestamp.UTC(), t.Speaker, t.Text, t.Confidence, t.Language, segments)
	if err != nil {
		return fmt.Errorf("append transcript %s: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) ListTranscripts(ctx context.Context, sessionID string, limit int) ([]types.Transcript, error) {
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, ts, speaker, text, confidence, language, segments
		FROM transcripts WHERE session_id = $1
		ORDER BY ts, id LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transcripts %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.Transcript
	for rows.Next() {
		var (
			t   types.Transcript
			raw []byte
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Timestamp, &t.Speaker, &t.Text,
			&t.Confidence, &t.Language, &raw); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		if t.Segments, err = unmarshalSegments(raw); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) PruneSessions(ctx context.Context, endedBefore time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE end_time IS NOT NULL AND end_time < $1`, endedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalContext(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode session context: %w", err)
	}
	s := string(b)
	return &s, nil
}

func unmarshalContext(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode session context: %w", err)
	}
	return m, nil
}

func marshalSegments(segs []types.Segment) (*string, error) {
	if len(segs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(segs)
	if err != nil {
		return nil, fmt.Errorf("encode segments: %w", err)
	}
	s := string(b)
	return &s, nil
}

func unmarshalSegments(raw []byte) ([]types.Segment, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var segs []types.Segment
	if err := json.Unmarshal(raw, &segs); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	return segs, nil
}
