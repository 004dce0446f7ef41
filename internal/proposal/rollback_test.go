package proposal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/audit"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/gitrepo"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/store"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/textdiff"
)

// faultyDocs fails selected writes and commits on top of a real store.
type faultyDocs struct {
	*gitrepo.Store
	failCommit bool
	failWrite  string
}

func (d *faultyDocs) WriteFile(key, rel string, content []byte) error {
	if rel == d.failWrite {
		return errclass.ErrIO.WithMessagef("write %s refused", rel)
	}
	return d.Store.WriteFile(key, rel, content)
}

func (d *faultyDocs) CommitChangesAs(key, author, message string, paths []string) (store.CommitInfo, error) {
	if d.failCommit {
		return store.CommitInfo{}, errclass.ErrIO.WithMessage("commit refused")
	}
	return d.Store.CommitChangesAs(key, author, message, paths)
}

type faultyFixture struct {
	fixture
	faulty *faultyDocs
}

func newFaultyFixture(t *testing.T, project string) faultyFixture {
	t.Helper()
	base := newFixture(t, project)
	faulty := &faultyDocs{Store: base.docs}
	base.engine = New(faulty, base.log)
	return faultyFixture{fixture: base, faulty: faulty}
}

func (f faultyFixture) requireClean(t *testing.T, project string, paths ...string) {
	t.Helper()
	for _, rel := range paths {
		diff, err := f.docs.DiffWorkingCopy(project, rel)
		require.NoError(t, err)
		assert.Empty(t, diff, "%s differs from the last commit", rel)
	}
}

func TestApplyRollsBackWhenCommitFails(t *testing.T) {
	f := newFaultyFixture(t, "P")
	ctx := context.Background()
	f.commitArtifact(t, "P", "artifacts/plan.md", "one\ntwo\n")

	p, err := f.engine.Create(ctx, store.Proposal{
		ProjectKey:     "P",
		TargetArtifact: "artifacts/plan.md",
		ChangeType:     store.ChangeUpdate,
		Diff:           textdiff.Unified("one\ntwo\n", "one\n2\n", "a", "b", 3),
		Author:         "ana",
	})
	require.NoError(t, err)
	head, err := f.docs.LastCommit("P")
	require.NoError(t, err)

	f.faulty.failCommit = true
	_, err = f.engine.Apply(ctx, "P", p.ID)
	require.ErrorIs(t, err, errclass.ErrIO)

	content, _, err := f.docs.ReadFile("P", "artifacts/plan.md")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(content))
	stored, err := f.engine.Get("P", p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
	assert.Nil(t, stored.AppliedAt)
	f.requireClean(t, "P", "artifacts/plan.md", proposalPath(p.ID))
	assert.Equal(t, []string{audit.EventProposalCreated}, f.eventTypes(t, "P"))

	last, err := f.docs.LastCommit("P")
	require.NoError(t, err)
	assert.Equal(t, head.Hash, last.Hash)

	// The same proposal applies once the store recovers.
	f.faulty.failCommit = false
	result, err := f.engine.Apply(ctx, "P", p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAccepted, result.Status)
	assert.Equal(t, []string{audit.EventProposalCreated, audit.EventProposalAccepted}, f.eventTypes(t, "P"))
}

func TestApplyCreateRollbackRemovesNewArtifact(t *testing.T) {
	f := newFaultyFixture(t, "P")
	ctx := context.Background()

	p, err := f.engine.Create(ctx, store.Proposal{
		ProjectKey:     "P",
		TargetArtifact: "artifacts/new.md",
		ChangeType:     store.ChangeCreate,
		Diff:           "fresh\n",
		Author:         "ana",
	})
	require.NoError(t, err)

	f.faulty.failCommit = true
	_, err = f.engine.Apply(ctx, "P", p.ID)
	require.Error(t, err)

	_, found, err := f.docs.ReadFile("P", "artifacts/new.md")
	require.NoError(t, err)
	assert.False(t, found, "created artifact must be removed on rollback")
	f.requireClean(t, "P", "artifacts/new.md", proposalPath(p.ID))
}

func TestApplyRollsBackWhenProposalWriteFails(t *testing.T) {
	f := newFaultyFixture(t, "P")
	ctx := context.Background()
	f.commitArtifact(t, "P", "artifacts/gone.md", "bye\n")

	p, err := f.engine.Create(ctx, store.Proposal{
		ProjectKey:     "P",
		TargetArtifact: "artifacts/gone.md",
		ChangeType:     store.ChangeDelete,
		Author:         "ana",
	})
	require.NoError(t, err)

	f.faulty.failWrite = proposalPath(p.ID)
	_, err = f.engine.Apply(ctx, "P", p.ID)
	require.ErrorIs(t, err, errclass.ErrIO)
	f.faulty.failWrite = ""

	content, found, err := f.docs.ReadFile("P", "artifacts/gone.md")
	require.NoError(t, err)
	require.True(t, found, "deleted artifact must be restored on rollback")
	assert.Equal(t, "bye\n", string(content))
	stored, err := f.engine.Get("P", p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
	f.requireClean(t, "P", "artifacts/gone.md", proposalPath(p.ID))
}

func TestCreateRollsBackWhenCommitFails(t *testing.T) {
	f := newFaultyFixture(t, "P")
	ctx := context.Background()

	f.faulty.failCommit = true
	_, err := f.engine.Create(ctx, store.Proposal{
		ID:             "prop_lost",
		ProjectKey:     "P",
		TargetArtifact: "artifacts/a.md",
		ChangeType:     store.ChangeCreate,
		Diff:           "x",
		Author:         "ana",
	})
	require.ErrorIs(t, err, errclass.ErrIO)

	_, err = f.engine.Get("P", "prop_lost")
	assert.ErrorIs(t, err, errclass.ErrNotFound)
	list, err := f.engine.List("P", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.eventTypes(t, "P"))

	// The id is free again once the store recovers.
	f.faulty.failCommit = false
	_, err = f.engine.Create(ctx, store.Proposal{
		ID:             "prop_lost",
		ProjectKey:     "P",
		TargetArtifact: "artifacts/a.md",
		ChangeType:     store.ChangeCreate,
		Diff:           "x",
		Author:         "ana",
	})
	require.NoError(t, err)
}

func TestRejectRollsBackWhenCommitFails(t *testing.T) {
	f := newFaultyFixture(t, "P")
	ctx := context.Background()

	p, err := f.engine.Create(ctx, store.Proposal{
		ProjectKey:     "P",
		TargetArtifact: "artifacts/a.md",
		ChangeType:     store.ChangeCreate,
		Diff:           "x",
		Author:         "ana",
	})
	require.NoError(t, err)

	f.faulty.failCommit = true
	_, err = f.engine.Reject(ctx, "P", p.ID, "not now")
	require.ErrorIs(t, err, errclass.ErrIO)

	stored, err := f.engine.Get("P", p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
	assert.Empty(t, stored.RejectionReason)
	f.requireClean(t, "P", proposalPath(p.ID))
	assert.Equal(t, []string{audit.EventProposalCreated}, f.eventTypes(t, "P"))

	f.faulty.failCommit = false
	rejected, err := f.engine.Reject(ctx, "P", p.ID, "not now")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, rejected.Status)
}
