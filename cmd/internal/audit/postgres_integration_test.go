package audit

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"calls/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when CALLS_DATABASE_URL is set.

func TestPostgresRecorder_RecordAndList(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	key := []byte(strings.Repeat("k", token.MinKeyBytes))
	rec, err := NewPostgresRecorder(pool, WithSchema("calls_test"), WithDigester(token.NewDigester(key)))
	if err != nil {
		t.Fatalf("NewPostgresRecorder: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rec.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	connID := "conn-" + time.Now().UTC().Format("20060102T150405.000000000")
	at := time.Now().UTC().Truncate(time.Microsecond)
	for i, a := range []Action{ActionSessionCreated, ActionSessionClosed} {
		if err := rec.Record(ctx, Event{
			Action:        a,
			ConnectionID:  connID,
			IdentityID:    "U1",
			AuxIdentifier: "+15550100",
			InstanceID:    "node-a",
			At:            at.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("Record %s: %v", a, err)
		}
	}

	rows, err := rec.ListByConnection(ctx, connID)
	if err != nil {
		t.Fatalf("ListByConnection: %v", err)
	}
	if len(rows) != 2 || rows[0].Action != ActionSessionCreated || rows[1].Action != ActionSessionClosed {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].AuxDigest != token.Digest("+15550100", key) {
		t.Fatalf("aux identifier must be stored as keyed digest, got %q", rows[0].AuxDigest)
	}
}

func TestWithSchema_RejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "  ", "1abc", "a-b", `x"; DROP TABLE y; --`} {
		r := &PostgresRecorder{}
		if err := WithSchema(s)(r); err == nil {
			t.Fatalf("expected error for schema %q", s)
		}
	}
	r := &PostgresRecorder{}
	if err := WithSchema("calls_audit")(r); err != nil || r.schema != "calls_audit" {
		t.Fatalf("valid schema rejected: %v", err)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("CALLS_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CALLS_DATABASE_URL not set; skipping postgres integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	return pool
}
