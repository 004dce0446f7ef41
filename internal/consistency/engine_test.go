package consistency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/gitrepo"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/history"
)

type memReader struct {
	projects map[string]map[string]string
	failOn   string
}

func (m memReader) ProjectExists(key string) (bool, error) {
	_, ok := m.projects[key]
	return ok, nil
}

func (m memReader) ReadFile(key, rel string) ([]byte, bool, error) {
	if rel == m.failOn {
		return nil, false, errclass.ErrIO.WithMessage("disk on fire")
	}
	content, ok := m.projects[key][rel]
	if !ok {
		return nil, false, nil
	}
	return []byte(content), true, nil
}

type fakeRecorder struct {
	snaps []history.Snapshot
	err   error
}

func (f *fakeRecorder) Record(_ context.Context, snap history.Snapshot) error {
	f.snaps = append(f.snaps, snap)
	return f.err
}

const scheduleYAML = `
milestones:
  - id: M1
    name: Kickoff
    date: 2026-01-10
    status: completed
tasks:
  - id: A
    name: First
    depends_on: [B]
  - id: B
    name: Second
    depends_on: [C]
  - id: C
    name: Third
    depends_on: [A]
`

func TestRunLoadsYAMLAndJSON(t *testing.T) {
	reader := memReader{projects: map[string]map[string]string{
		"demo": {
			"project.json":            `{"key":"demo","name":"Demo","start_date":"2026-01-01","end_date":"2026-12-31"}`,
			"artifacts/schedule.yaml": scheduleYAML,
			"artifacts/team.json":     `{"members":[{"id":"u1","name":"Ana"}]}`,
		},
	}}
	recorder := &fakeRecorder{}
	ranAt := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	engine := New(reader, WithRecorder(recorder), WithClock(func() time.Time { return ranAt }))

	report, err := engine.Run(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", report.Project)
	assert.Equal(t, ranAt, report.RanAt)
	assert.Equal(t, 1, report.RuleCounts[RuleDependencyCycles])
	assert.Len(t, report.RuleCounts, len(engine.RuleNames()))

	var cycle []string
	for _, is := range report.Issues {
		if is.Rule == RuleDependencyCycles {
			cycle = is.Cycle
			assert.Equal(t, "artifacts/schedule.yaml", is.Artifact)
		}
	}
	assert.Equal(t, []string{"A", "B", "C", "A"}, cycle)

	// name, start_date, end_date, team, schedule, team.members, schedule.milestones
	assert.Equal(t, 50.0, report.Completeness)
	assert.Equal(t, 1, report.RuleCounts[RuleCompleteness])

	require.Len(t, recorder.snaps, 1)
	assert.Equal(t, report.Count(SeverityError), recorder.snaps[0].Errors)
	assert.Equal(t, report.Completeness, recorder.snaps[0].Completeness)
}

func TestRunSelectedRules(t *testing.T) {
	reader := memReader{projects: map[string]map[string]string{
		"demo": {"artifacts/schedule.yml": scheduleYAML},
	}}
	engine := New(reader)

	report, err := engine.Run(context.Background(), "demo", RuleDependencyCycles, RuleDependencyCycles)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{RuleDependencyCycles: 1}, report.RuleCounts)
	require.Len(t, report.Issues, 1)

	_, err = engine.Run(context.Background(), "demo", RuleDependencyCycles, "no_such_rule")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errclass.ErrInvalidInput))
	assert.Equal(t, []string{"no_such_rule"}, errclass.DetailsOf(err)["unknown"])
}

func TestRunSkipsMalformedArtifacts(t *testing.T) {
	reader := memReader{projects: map[string]map[string]string{
		"demo": {
			"project.json":            `{not json`,
			"artifacts/schedule.yaml": "milestones: [unclosed",
			"artifacts/raid.json":     `{"items":[{"id":"R1","type":"risk","title":"t","linked_items":["R2"]}]}`,
		},
	}}
	report, err := New(reader).Run(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, report.RuleCounts[RuleCrossReference])
	assert.Equal(t, 0, report.RuleCounts[RuleDependencyCycles])
}

func TestRunPrefersYAMLOverJSON(t *testing.T) {
	reader := memReader{projects: map[string]map[string]string{
		"demo": {
			"artifacts/charter.yaml": "objectives: [a]\nscope: s\n",
			"artifacts/charter.json": `{"objectives":[]}`,
		},
	}}
	tree, err := LoadTree(reader, "demo")
	require.NoError(t, err)
	require.NotNil(t, tree.Charter)
	assert.Equal(t, []string{"a"}, tree.Charter.Objectives)
	assert.Equal(t, "artifacts/charter.yaml", tree.Source(KindCharter))
	assert.Equal(t, "artifacts/raid.yaml", tree.Source(KindRAID))
}

func TestRunErrors(t *testing.T) {
	reader := memReader{
		projects: map[string]map[string]string{"demo": {}},
		failOn:   "artifacts/team.yaml",
	}
	engine := New(reader)

	_, err := engine.Run(context.Background(), "ghost")
	assert.True(t, errors.Is(err, errclass.ErrNotFound))

	_, err = engine.Run(context.Background(), "demo")
	assert.True(t, errors.Is(err, errclass.ErrIO))
}

func TestRecorderFailureIsNotFatal(t *testing.T) {
	reader := memReader{projects: map[string]map[string]string{"demo": {}}}
	recorder := &fakeRecorder{err: errors.New("redis down")}
	_, err := New(reader, WithRecorder(recorder)).Run(context.Background(), "demo")
	require.NoError(t, err)
	assert.Len(t, recorder.snaps, 1)
}

func TestRunAgainstDocumentStore(t *testing.T) {
	docs := gitrepo.New(t.TempDir())
	_, err := docs.CreateProject("live", map[string]any{"description": "d", "blueprint": "lightweight"})
	require.NoError(t, err)
	require.NoError(t, docs.WriteFile("live", "artifacts/charter.yaml", []byte("objectives: [x]\nscope: y\n")))

	report, err := New(docs, WithThreshold(10)).Run(context.Background(), "live", RuleBlueprintCompliance, RuleCompleteness)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, RuleBlueprintCompliance, report.Issues[0].Rule)
	assert.Contains(t, report.Issues[0].Message, "schedule")
}

func TestEmptyArtifactsCountAsAbsent(t *testing.T) {
	reader := memReader{projects: map[string]map[string]string{
		"demo": {
			"project.json":           `{"name":"Demo"}`,
			"artifacts/charter.yaml": "",
			"artifacts/team.json":    "null",
			"artifacts/raid.yaml":    "items: []\n",
		},
	}}
	tree, err := LoadTree(reader, "demo")
	require.NoError(t, err)
	assert.Nil(t, tree.Charter)
	assert.Nil(t, tree.Team)
	assert.Nil(t, tree.RAID)
	assert.Empty(t, tree.Skipped, "empty documents are not unreadable")
	assert.Equal(t, "artifacts/team.json", tree.Source(KindTeam))

	// Only project.name of the fourteen entries is present.
	assert.Equal(t, 7.1, Completeness(tree))
	missing := Missing(tree)
	assert.Contains(t, missing, "charter")
	assert.Contains(t, missing, "team")
	assert.Contains(t, missing, "raid")
	assert.Len(t, missing, 13)

	report, err := New(reader).Run(context.Background(), "demo", RuleCompleteness)
	require.NoError(t, err)
	assert.Equal(t, missing, report.Missing)
}
