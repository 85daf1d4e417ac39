package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	role TEXT NOT NULL,
	mode TEXT NOT NULL,
	strategy TEXT NOT NULL,
	success INTEGER NOT NULL,
	model TEXT,
	provider TEXT,
	fallback_used INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL,
	tier TEXT,
	score INTEGER,
	override TEXT,
	override_rejection TEXT,
	candidates TEXT,
	tried TEXT,
	failure_reasons TEXT,
	error TEXT,
	latency_ms REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS transitions (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	from_role TEXT NOT NULL,
	to_role TEXT NOT NULL,
	reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
CREATE INDEX IF NOT EXISTS idx_transitions_ts ON transitions(ts);
`

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to init audit schema: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// WriteDecision implements Sink.
func (s *SQLiteStore) WriteDecision(ctx context.Context, rec DecisionRecord) error {
	candidates, err := marshalText(rec.Candidates)
	if err != nil {
		return err
	}
	tried, err := marshalText(rec.Tried)
	if err != nil {
		return err
	}
	reasons, err := marshalText(rec.FailureReasons)
	if err != nil {
		return err
	}
	var score sql.NullInt64
	if rec.Score != nil {
		score = sql.NullInt64{Int64: int64(*rec.Score), Valid: true}
	}

	_, err = s.conn.ExecContext(ctx, `
INSERT INTO decisions (id, ts, role, mode, strategy, success, model, provider, fallback_used, reason,
	tier, score, override, override_rejection, candidates, tried, failure_reasons, error, latency_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, formatTime(rec.Timestamp), rec.Role, rec.Mode, rec.Strategy, rec.Success,
		rec.Model, rec.Provider, rec.FallbackUsed, rec.Reason,
		rec.Tier, score, rec.Override, rec.OverrideRejection,
		candidates, tried, reasons, rec.Error, rec.LatencyMillis,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// WriteTransition implements Sink.
func (s *SQLiteStore) WriteTransition(ctx context.Context, rec TransitionRecord) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO transitions (id, ts, from_role, to_role, reason) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, formatTime(rec.Timestamp), rec.From, rec.To, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListDecisions returns up to limit decisions, newest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT id, ts, role, mode, strategy, success, model, provider, fallback_used, reason,
	tier, score, override, override_rejection, candidates, tried, failure_reasons, error, latency_ms
FROM decisions ORDER BY ts DESC, rowid DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var (
			rec                                       DecisionRecord
			ts                                        string
			model, provider, tier, override, rejected sql.NullString
			candidates, tried, reasons, errText       sql.NullString
			score                                     sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Role, &rec.Mode, &rec.Strategy, &rec.Success,
			&model, &provider, &rec.FallbackUsed, &rec.Reason,
			&tier, &score, &override, &rejected, &candidates, &tried, &reasons, &errText, &rec.LatencyMillis); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		rec.Model, rec.Provider, rec.Tier = model.String, provider.String, tier.String
		rec.Override, rec.OverrideRejection, rec.Error = override.String, rejected.String, errText.String
		if score.Valid {
			v := int(score.Int64)
			rec.Score = &v
		}
		if err := unmarshalText(candidates, &rec.Candidates); err != nil {
			return nil, err
		}
		if err := unmarshalText(tried, &rec.Tried); err != nil {
			return nil, err
		}
		if err := unmarshalText(reasons, &rec.FailureReasons); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListTransitions returns up to limit transitions, newest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, limit int) ([]TransitionRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, ts, from_role, to_role, reason FROM transitions ORDER BY ts DESC, rowid DESC LIMIT ?`,
		normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.From, &rec.To, &rec.Reason); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}

// tsLayout is fixed width so that text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func marshalText(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalText(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
