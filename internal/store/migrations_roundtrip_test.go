package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("KEYSTONE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("KEYSTONE_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, resetPublicSchema(ctx, db))
	require.NoError(t, ApplyMigrations(ctx, db, Migrations()), "apply up migrations (pass 1)")

	mirror := NewPostgresAuditMirror(db)
	event := AuditEvent{
		EventID:        uuid.NewString(),
		EventType:      "proposal.created",
		Timestamp:      "2026-02-03T04:05:06Z",
		Actor:          "ana",
		ProjectKey:     "roundtrip",
		PayloadSummary: map[string]any{"proposal_id": "prop_1"},
	}
	require.NoError(t, mirror.Mirror(ctx, event))
	require.NoError(t, mirror.Mirror(ctx, event), "mirroring twice is idempotent")

	events, err := mirror.ListByProject(ctx, "roundtrip", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.Timestamp, events[0].Timestamp)
	assert.Equal(t, "prop_1", events[0].PayloadSummary["proposal_id"])

	_, err = db.ExecContext(ctx, `DELETE FROM audit_events WHERE event_id = $1`, event.EventID)
	assert.Error(t, err, "DELETE on audit_events must be blocked")

	require.NoError(t, RevertMigrations(ctx, db, Migrations()))
	require.NoError(t, ApplyMigrations(ctx, db, Migrations()), "apply up migrations (pass 2)")
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
