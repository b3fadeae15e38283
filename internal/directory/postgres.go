package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/P0rt/agent-server/pkg/voice"
)

// Schema is the SQL DDL for the call_instructions table. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_instructions (
    call_sid     TEXT PRIMARY KEY,
    token        TEXT NOT NULL DEFAULT '',
    instructions TEXT NOT NULL DEFAULT '',
    voice        TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a [voice.CallDirectory] backed by a PostgreSQL table. Calls are
// provisioned as rows; a stream is accepted when its call has a row whose
// token matches (empty row token means no token requirement).
type Postgres struct {
	db           DB
	allowUnknown bool
}

var _ voice.CallDirectory = (*Postgres)(nil)

// NewPostgres creates a Postgres directory on the given connection or pool.
// allowUnknown accepts streams for calls without a row; such calls always
// land in transcription mode. The caller is responsible for calling
// [Postgres.Migrate] before issuing lookups.
func NewPostgres(db DB, allowUnknown bool) *Postgres {
	return &Postgres{db: db, allowUnknown: allowUnknown}
}

// Migrate executes the [Schema] DDL, creating the call_instructions table if
// it does not already exist.
func (d *Postgres) Migrate(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("directory: migrate: %w", err)
	}
	return nil
}

// Put provisions or replaces the record for a call.
func (d *Postgres) Put(ctx context.Context, callID string, rec Record) error {
	const query = `
		INSERT INTO call_instructions (call_sid, token, instructions, voice)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_sid) DO UPDATE SET
			token = EXCLUDED.token,
			instructions = EXCLUDED.instructions,
			voice = EXCLUDED.voice,
			updated_at = now()`

	if _, err := d.db.Exec(ctx, query, callID, rec.Token, rec.Instructions, rec.Voice); err != nil {
		return fmt.Errorf("directory: put %q: %w", callID, err)
	}
	return nil
}

// Delete removes a call's row. Deleting an unknown call is not an error.
func (d *Postgres) Delete(ctx context.Context, callID string) error {
	const query = `DELETE FROM call_instructions WHERE call_sid = $1`
	if _, err := d.db.Exec(ctx, query, callID); err != nil {
		return fmt.Errorf("directory: delete %q: %w", callID, err)
	}
	return nil
}

// Accept reports whether the announced stream belongs to a provisioned call
// presenting the right token. Calls without a row are accepted only when the
// directory allows unknown calls.
func (d *Postgres) Accept(ctx context.Context, auth voice.StreamAuth) (bool, error) {
	const query = `SELECT token FROM call_instructions WHERE call_sid = $1`

	var token string
	err := d.db.QueryRow(ctx, query, auth.CallID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return d.allowUnknown, nil
	}
	if err != nil {
		return false, fmt.Errorf("directory: accept %q: %w", auth.CallID, err)
	}

	if token != "" && auth.Token != token {
		return false, nil
	}
	return true, nil
}

// Instructions returns the call's instruction set. Rows with empty
// instructions report false, placing the call in transcription mode.
func (d *Postgres) Instructions(ctx context.Context, callID string) (voice.CallInstructions, bool, error) {
	const query = `SELECT instructions, voice FROM call_instructions WHERE call_sid = $1`

	var instructions, voiceName string
	err := d.db.QueryRow(ctx, query, callID).Scan(&instructions, &voiceName)
	if errors.Is(err, pgx.ErrNoRows) {
		return voice.CallInstructions{}, false, nil
	}
	if err != nil {
		return voice.CallInstructions{}, false, fmt.Errorf("directory: instructions %q: %w", callID, err)
	}

	if instructions == "" {
		return voice.CallInstructions{}, false, nil
	}
	return voice.CallInstructions{Instructions: instructions, Voice: voiceName}, true, nil
}
