package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/audit"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/config"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/consistency"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/gitrepo"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/history"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/proposal"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/store"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/textdiff"
)

func steppingClock() func() time.Time {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	docs := gitrepo.New(t.TempDir())
	_, err := docs.EnsureRepository()
	require.NoError(t, err)
	return New(docs, append([]Option{WithClock(steppingClock())}, opts...)...)
}

func TestProposalLifecycleThroughService(t *testing.T) {
	svc := newService(t)
	ctx := audit.WithCorrelationID(audit.WithActor(context.Background(), "ana"), "req-1")

	project, err := svc.CreateProject(ctx, "alpha", map[string]any{"name": "Alpha"})
	require.NoError(t, err)
	assert.Equal(t, "Alpha", project.Name)

	p, err := svc.CreateProposal(ctx, "alpha", CreateProposalInput{
		TargetArtifact: "charter.md",
		ChangeType:     store.ChangeCreate,
		Diff:           "# Charter\n",
		Rationale:      "kickoff",
	})
	require.NoError(t, err)
	assert.Equal(t, "artifacts/charter.md", p.TargetArtifact)
	assert.Equal(t, "ana", p.Author)

	pending, err := svc.ListProposals(ctx, "alpha", proposal.ListFilter{Status: store.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	result, err := svc.ApplyProposal(ctx, "alpha", p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAccepted, result.Status)
	assert.NotEmpty(t, result.Commit)

	got, err := svc.GetProposal(ctx, "alpha", p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAccepted, got.Status)

	artifacts, err := svc.ListArtifacts(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "charter.md", artifacts[0].Name)

	page, err := svc.QueryEvents(ctx, "alpha", audit.Filter{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, audit.EventProposalCreated, page.Events[0].EventType)
	assert.Equal(t, audit.EventProposalAccepted, page.Events[1].EventType)
	assert.Equal(t, "req-1", page.Events[1].CorrelationID)

	commits, err := svc.ProjectHistory(ctx, "alpha", 0)
	require.NoError(t, err)
	assert.Len(t, commits, 3)
}

func TestUpdateConflictMapsTo409(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.CreateProject(ctx, "beta", nil)
	require.NoError(t, err)

	seed, err := svc.CreateProposal(ctx, "beta", CreateProposalInput{TargetArtifact: "a.md", ChangeType: store.ChangeCreate, Diff: "v1"})
	require.NoError(t, err)
	_, err = svc.ApplyProposal(ctx, "beta", seed.ID)
	require.NoError(t, err)

	first, err := svc.CreateProposal(ctx, "beta", CreateProposalInput{TargetArtifact: "a.md", ChangeType: store.ChangeUpdate, Diff: textdiff.Unified("v1", "v2", "a", "b", 3)})
	require.NoError(t, err)
	second, err := svc.CreateProposal(ctx, "beta", CreateProposalInput{TargetArtifact: "a.md", ChangeType: store.ChangeUpdate, Diff: textdiff.Unified("v1", "v3", "a", "b", 3)})
	require.NoError(t, err)

	_, err = svc.ApplyProposal(ctx, "beta", first.ID)
	require.NoError(t, err)

	_, err = svc.ApplyProposal(ctx, "beta", second.ID)
	require.Error(t, err)
	assert.True(t, errclass.Retryable(err))

	mapped := MapError(err)
	assert.Equal(t, http.StatusConflict, mapped.Status)
	assert.Equal(t, "E_CONFLICT", mapped.Code)
	details, ok := mapped.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, audit.Hash([]byte("v1")), details["expected_hash"])
	assert.Equal(t, audit.Hash([]byte("v2")), details["current_hash"])

	rejected, err := svc.RejectProposal(ctx, "beta", second.ID, "superseded")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, rejected.Status)
}

func TestServiceErrors(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.QueryEvents(ctx, "ghost", audit.Filter{})
	assert.True(t, errors.Is(err, errclass.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, MapError(err).Status)

	_, err = svc.ListProposals(ctx, "ghost", proposal.ListFilter{Status: "maybe"})
	assert.True(t, errors.Is(err, errclass.ErrInvalidInput))

	_, err = svc.CreateProject(ctx, "../escape", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, MapError(err).Status)

	_, err = svc.LogEvent(ctx, "ghost", LogEventInput{EventType: "note"})
	assert.True(t, errors.Is(err, errclass.ErrNotFound))

	_, err = svc.LogEvent(ctx, "ghost", LogEventInput{})
	assert.True(t, errors.Is(err, errclass.ErrInvalidInput))

	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(-time.Hour)
	_, err = svc.QueryEvents(ctx, "ghost", audit.Filter{Since: &since, Until: &until})
	assert.True(t, errors.Is(err, errclass.ErrInvalidInput))

	_, err = svc.RunConsistencyRules(ctx, "ghost")
	assert.True(t, errors.Is(err, errclass.ErrNotFound))
}

func TestLogEventUsesContextActor(t *testing.T) {
	svc := newService(t)
	_, err := svc.CreateProject(context.Background(), "gamma", nil)
	require.NoError(t, err)

	ctx := audit.WithActor(context.Background(), "bo")
	event, err := svc.LogEvent(ctx, "gamma", LogEventInput{
		EventType: "artifact.reviewed",
		Summary:   map[string]any{"artifact": "artifacts/raid.yaml"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bo", event.Actor)

	page, err := svc.QueryEvents(ctx, "gamma", audit.Filter{Actor: "bo"})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, event.EventID, page.Events[0].EventID)
}

func TestConsistencyRunIsRecorded(t *testing.T) {
	mr := miniredis.RunT(t)
	h, err := history.NewRedisStore("redis://"+mr.Addr(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	svc := newService(t, WithHistory(h), WithCompletenessThreshold(90))
	ctx := context.Background()
	_, err = svc.CreateProject(ctx, "delta", map[string]any{"name": "Delta"})
	require.NoError(t, err)

	report, err := svc.RunConsistencyRules(ctx, "delta", consistency.RuleCompleteness)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, consistency.SeverityWarning, report.Issues[0].Severity)

	snaps, err := svc.ConsistencyHistory(ctx, "delta", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 1, snaps[0].Warnings)
	assert.Equal(t, report.Completeness, snaps[0].Completeness)
}

func TestConsistencyHistoryWithoutRedis(t *testing.T) {
	svc := newService(t)
	snaps, err := svc.ConsistencyHistory(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, snaps)
	assert.Contains(t, svc.RuleNames(), consistency.RuleDependencyCycles)
}

func TestAuditEventsAreMirrored(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	insert := func() *sqlmock.ExpectedExec {
		return mock.ExpectExec(`INSERT INTO audit_events`).
			WithArgs(sqlmock.AnyArg(), "eps", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg())
	}
	insert().WillReturnResult(sqlmock.NewResult(0, 1))
	insert().WillReturnError(errors.New("mirror offline"))

	svc := newService(t, WithAuditMirror(store.NewPostgresAuditMirror(db)))
	ctx := context.Background()
	_, err = svc.CreateProject(ctx, "eps", nil)
	require.NoError(t, err)

	p, err := svc.CreateProposal(ctx, "eps", CreateProposalInput{TargetArtifact: "x.md", ChangeType: store.ChangeCreate, Diff: "x"})
	require.NoError(t, err)
	_, err = svc.RejectProposal(ctx, "eps", p.ID, "not now")
	require.NoError(t, err)

	page, err := svc.QueryEvents(ctx, "eps", audit.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{
		RootDir:               t.TempDir(),
		LogLevel:              "info",
		LogFormat:             "json",
		CommitAuthor:          "Keystone",
		CommitEmail:           "keystone@localhost",
		DiffContext:           3,
		CompletenessThreshold: 70,
		RedisURL:              "redis://" + mr.Addr(),
		HistoryLimit:          10,
	}

	svc, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = svc.CreateProject(context.Background(), "zeta", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	cfg.HistoryLimit = 0
	_, err = Open(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestMapError(t *testing.T) {
	assert.Nil(t, MapError(nil))

	mapped := MapError(errclass.ErrInvalidState.WithMessage("proposal p1 is accepted"))
	assert.Equal(t, http.StatusBadRequest, mapped.Status)
	assert.Equal(t, "E_INVALID_STATE", mapped.Code)
	assert.Equal(t, "proposal p1 is accepted", mapped.Message)
	assert.Nil(t, mapped.Details)

	mapped = MapError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, mapped.Status)
	assert.Equal(t, "internal error", mapped.Message)

	existing := domainError(http.StatusTeapot, "E_TEA", "short and stout", nil)
	assert.Same(t, existing, MapError(existing))
}

func TestAuditStatsFromLocalLog(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.CreateProject(ctx, "theta", nil)
	require.NoError(t, err)

	p, err := svc.CreateProposal(ctx, "theta", CreateProposalInput{TargetArtifact: "x.md", ChangeType: store.ChangeCreate, Diff: "x"})
	require.NoError(t, err)
	_, err = svc.ApplyProposal(ctx, "theta", p.ID)
	require.NoError(t, err)
	_, err = svc.LogEvent(ctx, "theta", LogEventInput{EventType: "artifact.reviewed"})
	require.NoError(t, err)

	counts, err := svc.AuditStats(ctx, "theta")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		audit.EventProposalCreated:  1,
		audit.EventProposalAccepted: 1,
		"artifact.reviewed":         1,
	}, counts)

	_, err = svc.AuditStats(ctx, "ghost")
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	_, err = svc.MirroredEvents(ctx, "theta", 10)
	assert.ErrorIs(t, err, errclass.ErrInvalidState, "no mirror configured")
}

func TestAuditStatsAndEventsFromMirror(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := newService(t, WithAuditMirror(store.NewPostgresAuditMirror(db)))
	ctx := context.Background()
	_, err = svc.CreateProject(ctx, "iota", nil)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT event_type, COUNT\(\*\)`).
		WithArgs("iota").
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "count"}).
			AddRow(audit.EventProposalCreated, 4).
			AddRow(audit.EventProposalRejected, 1))
	counts, err := svc.AuditStats(ctx, "iota")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{audit.EventProposalCreated: 4, audit.EventProposalRejected: 1}, counts)

	occurred := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM audit_events`).
		WithArgs("iota", 2).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "project_key", "event_type", "actor", "correlation_id", "occurred_at", "payload", "resource_hash"}).
			AddRow("e-2", "iota", audit.EventProposalRejected, "ana", "", occurred, []byte(`{"proposal_id":"prop_1"}`), ""))
	events, err := svc.MirroredEvents(ctx, "iota", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2026-03-02T10:00:00Z", events[0].Timestamp)
	assert.Equal(t, "prop_1", events[0].PayloadSummary["proposal_id"])

	mock.ExpectQuery(`SELECT event_type, COUNT\(\*\)`).WillReturnError(errors.New("connection reset"))
	_, err = svc.AuditStats(ctx, "iota")
	assert.ErrorIs(t, err, errclass.ErrIO)

	_, err = svc.MirroredEvents(ctx, "iota", -1)
	assert.ErrorIs(t, err, errclass.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearConsistencyHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	h, err := history.NewRedisStore("redis://"+mr.Addr(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	svc := newService(t, WithHistory(h))
	ctx := context.Background()
	_, err = svc.CreateProject(ctx, "kappa", nil)
	require.NoError(t, err)
	_, err = svc.RunConsistencyRules(ctx, "kappa")
	require.NoError(t, err)

	require.NoError(t, svc.ClearConsistencyHistory(ctx, "kappa"))
	snaps, err := svc.ConsistencyHistory(ctx, "kappa", 0)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	assert.ErrorIs(t, svc.ClearConsistencyHistory(ctx, "ghost"), errclass.ErrNotFound)
	assert.ErrorIs(t, newService(t).ClearConsistencyHistory(ctx, "kappa"), errclass.ErrInvalidState)
}

func TestQueryEventsBoundsWithinOneSecond(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.CreateProject(ctx, "lambda", nil)
	require.NoError(t, err)

	since := time.Date(2026, 3, 2, 9, 0, 0, 800_000_000, time.UTC)
	until := time.Date(2026, 3, 2, 9, 0, 0, 200_000_000, time.UTC)
	_, err = svc.QueryEvents(ctx, "lambda", audit.Filter{Since: &since, Until: &until})
	require.NoError(t, err, "bounds in the same second are a valid range")

	until = until.Add(-time.Second)
	_, err = svc.QueryEvents(ctx, "lambda", audit.Filter{Since: &since, Until: &until})
	assert.ErrorIs(t, err, errclass.ErrInvalidInput)
}
