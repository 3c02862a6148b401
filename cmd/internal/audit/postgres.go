package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"calls/cmd/security/token"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRecorder writes events to <schema>.session_audit.
//
// It does NOT own the pgx pool; the caller closes it.
type PostgresRecorder struct {
	pool     *pgxpool.Pool
	schema   string
	digester token.Digester
}

// PostgresOption configures PostgresRecorder behavior.
type PostgresOption func(*PostgresRecorder) error

// WithSchema sets the DB schema (default: "calls").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(r *PostgresRecorder) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("audit: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("audit: invalid schema identifier")
		}
		r.schema = schema
		return nil
	}
}

// WithDigester sets how aux identifiers are digested before storage.
func WithDigester(d token.Digester) PostgresOption {
	return func(r *PostgresRecorder) error {
		r.digester = d
		return nil
	}
}

// NewPostgresRecorder constructs a Postgres-backed Recorder.
func NewPostgresRecorder(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRecorder, error) {
	r := &PostgresRecorder{
		pool:     pool,
		schema:   "calls",
		digester: token.NewDigester(nil),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("audit: nil pool")
	}
	return r, nil
}

// EnsureSchema creates the schema and table when missing.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	table := pgIdent(r.schema, "session_audit")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{r.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id             BIGSERIAL PRIMARY KEY,
			action         TEXT        NOT NULL,
			connection_id  TEXT        NOT NULL,
			identity_id    TEXT        NOT NULL DEFAULT '',
			aux_digest     TEXT        NOT NULL DEFAULT '',
			instance_id    TEXT        NOT NULL DEFAULT '',
			reason         TEXT        NOT NULL DEFAULT '',
			at             TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS session_audit_connection_idx ON ` + table + ` (connection_id, at)`,
	}
	for _, s := range stmts {
		if _, err := r.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("audit: ensure schema: %w", err)
		}
	}
	return nil
}

// Record inserts ev.
func (r *PostgresRecorder) Record(ctx context.Context, ev Event) error {
	if ev.Action == "" || ev.ConnectionID == "" {
		return errors.New("audit: invalid event")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(r.schema, "session_audit")+`
		 (action, connection_id, identity_id, aux_digest, instance_id, reason, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(ev.Action), ev.ConnectionID, ev.IdentityID, r.digester.Digest(ev.AuxIdentifier),
		ev.InstanceID, ev.Reason, at,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Row is a stored audit event as read back.
type Row struct {
	Action       Action
	ConnectionID string
	IdentityID   string
	AuxDigest    string
	InstanceID   string
	Reason       string
	At           time.Time
}

// ListByConnection returns the events of connectionID, oldest first.
func (r *PostgresRecorder) ListByConnection(ctx context.Context, connectionID string) ([]Row, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT action, connection_id, identity_id, aux_digest, instance_id, reason, at
		 FROM `+pgIdent(r.schema, "session_audit")+`
		 WHERE connection_id = $1
		 ORDER BY at ASC, id ASC`,
		connectionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row    Row
			action string
		)
		if err := rows.Scan(&action, &row.ConnectionID, &row.IdentityID, &row.AuxDigest, &row.InstanceID, &row.Reason, &row.At); err != nil {
			return nil, err
		}
		row.Action = Action(action)
		out = append(out, row)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
