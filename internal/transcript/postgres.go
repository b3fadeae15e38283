package transcript

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/P0rt/agent-server/pkg/voice"
)

// Schema is the SQL DDL for the call_transcripts table. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    call_sid    TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    spoken_at   TIMESTAMPTZ NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (call_sid, seq)
);
CREATE INDEX IF NOT EXISTS idx_call_transcripts_recorded ON call_transcripts(recorded_at);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres is a [Recorder] backed by a PostgreSQL database. Each utterance
// becomes one row keyed by (call_sid, seq), so retrying a recording after a
// partial failure cannot duplicate a transcript.
type Postgres struct {
	db DB
}

// Compile-time interface check.
var _ Recorder = (*Postgres)(nil)

// NewPostgres creates a Postgres recorder using the given database
// connection or pool. The caller is responsible for calling
// [Postgres.Migrate] to ensure the schema exists before recording.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// call_transcripts table and index if they do not already exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// Record inserts one row per entry in a single batched round trip. Rows
// already present for the call are left untouched. An empty transcript is a
// no-op.
func (s *Postgres) Record(ctx context.Context, callID string, entries []voice.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const query = `
		INSERT INTO call_transcripts (call_sid, seq, role, content, spoken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_sid, seq) DO NOTHING`

	batch := &pgx.Batch{}
	for i, e := range entries {
		batch.Queue(query, callID, i, string(e.Role), e.Text, e.Timestamp)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("transcript: record %q: %w", callID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("transcript: record %q: %w", callID, err)
	}
	return nil
}

// Transcript returns all stored utterances for a call in speaking order.
// A call with no stored rows yields a nil slice, not an error.
func (s *Postgres) Transcript(ctx context.Context, callID string) ([]voice.TranscriptEntry, error) {
	const query = `
		SELECT role, content, spoken_at
		FROM call_transcripts
		WHERE call_sid = $1
		ORDER BY seq`

	rows, err := s.db.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("transcript: load %q: %w", callID, err)
	}
	defer rows.Close()

	var entries []voice.TranscriptEntry
	for rows.Next() {
		var role string
		var entry voice.TranscriptEntry
		if err := rows.Scan(&role, &entry.Text, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("transcript: load scan: %w", err)
		}
		entry.Role = voice.Role(role)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: load %q: %w", callID, err)
	}
	return entries, nil
}
