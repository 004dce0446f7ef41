// Package consistency runs independent structural rules over a project's
// artifact tree and scores its completeness. Rules report issues; they
// never fail the run.
package consistency

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/history"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/logging"
)

const DefaultCompletenessThreshold = 70.0

// Recorder stores run summaries. Recording is best effort.
type Recorder interface {
	Record(ctx context.Context, snap history.Snapshot) error
}

type Report struct {
	Project      string         `json:"project"`
	Issues       []Issue        `json:"issues"`
	Completeness float64        `json:"completeness"`
	// Missing names the completeness manifest entries the project lacks.
	Missing      []string       `json:"missing"`
	RuleCounts   map[string]int `json:"rule_counts"`
	RanAt        time.Time      `json:"ran_at"`
}

// Count returns the number of issues with the given severity.
func (r Report) Count(severity Severity) int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == severity {
			n++
		}
	}
	return n
}

type Engine struct {
	reader    Reader
	rules     []Rule
	byName    map[string]Rule
	threshold float64
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithThreshold(threshold float64) Option {
	return func(e *Engine) { e.threshold = threshold }
}

// WithRules replaces the default rule set.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

func WithRecorder(recorder Recorder) Option {
	return func(e *Engine) { e.recorder = recorder }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(logger) }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

func New(reader Reader, opts ...Option) *Engine {
	e := &Engine{
		reader:    reader,
		threshold: DefaultCompletenessThreshold,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rules == nil {
		e.rules = DefaultRules(e.threshold)
	}
	e.byName = make(map[string]Rule, len(e.rules))
	for _, rule := range e.rules {
		e.byName[rule.Name()] = rule
	}
	return e
}

// RuleNames lists the configured rules in run order.
func (e *Engine) RuleNames() []string {
	names := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		names = append(names, rule.Name())
	}
	return names
}

// Run executes the named rules, or all of them when none are named.
// Unknown rule names fail with invalid-input before anything runs.
func (e *Engine) Run(ctx context.Context, project string, ruleNames ...string) (Report, error) {
	selected, err := e.selectRules(ruleNames)
	if err != nil {
		return Report{}, err
	}
	exists, err := e.reader.ProjectExists(project)
	if err != nil {
		return Report{}, err
	}
	if !exists {
		return Report{}, errclass.ErrNotFound.WithMessagef("project %s", project)
	}

	tree, err := LoadTree(e.reader, project)
	if err != nil {
		return Report{}, err
	}
	if len(tree.Skipped) > 0 {
		e.logger.Warn("skipping unreadable artifacts", zap.String("project", project), zap.Strings("paths", tree.Skipped))
	}

	report := Report{
		Project:      project,
		Issues:       []Issue{},
		Completeness: Completeness(tree),
		Missing:      Missing(tree),
		RuleCounts:   make(map[string]int, len(selected)),
		RanAt:        e.now().UTC(),
	}
	for _, rule := range selected {
		issues := rule.Check(tree)
		report.RuleCounts[rule.Name()] = len(issues)
		report.Issues = append(report.Issues, issues...)
	}

	e.logger.Info("consistency run",
		zap.String("project", project),
		zap.Int("issues", len(report.Issues)),
		zap.Float64("completeness", report.Completeness))
	e.record(ctx, report)
	return report, nil
}

func (e *Engine) selectRules(names []string) ([]Rule, error) {
	if len(names) == 0 {
		return e.rules, nil
	}
	var unknown []string
	seen := make(map[string]bool, len(names))
	selected := make([]Rule, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		rule, ok := e.byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if !seen[name] {
			seen[name] = true
			selected = append(selected, rule)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errclass.ErrInvalidInput.
			WithMessagef("unknown rules: %s", strings.Join(unknown, ", ")).
			WithDetails(map[string]any{"unknown": unknown, "available": e.RuleNames()})
	}
	return selected, nil
}

func (e *Engine) record(ctx context.Context, report Report) {
	if e.recorder == nil {
		return
	}
	snap := history.Snapshot{
		Project:      report.Project,
		RanAt:        report.RanAt,
		Completeness: report.Completeness,
		Errors:       report.Count(SeverityError),
		Warnings:     report.Count(SeverityWarning),
		RuleCounts:   report.RuleCounts,
	}
	if err := e.recorder.Record(ctx, snap); err != nil {
		e.logger.Warn("consistency history not recorded", zap.String("project", report.Project), zap.Error(err))
	}
}
