package consistency

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of a rule run. Cycle is set only by dependency_cycles.
type Issue struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Artifact string   `json:"artifact"`
	ItemID   string   `json:"item_id,omitempty"`
	Cycle    []string `json:"cycle,omitempty"`
}

// Rule is a pure check over a project tree.
type Rule interface {
	Name() string
	Check(tree *Tree) []Issue
}

const (
	RuleRequiredFields          = "required_fields"
	RuleCrossReference          = "cross_reference"
	RuleDateConsistency         = "date_consistency"
	RuleOwnerValidation         = "owner_validation"
	RuleDependencyCycles        = "dependency_cycles"
	RuleRelationshipConsistency = "relationship_consistency"
	RuleWorkflowState           = "workflow_state"
	RuleBlueprintCompliance     = "blueprint_compliance"
	RuleCompleteness            = "completeness"
)

// DefaultRules returns the full rule set in run order.
func DefaultRules(completenessThreshold float64) []Rule {
	return []Rule{
		requiredFields{},
		crossReference{},
		dateConsistency{},
		ownerValidation{},
		dependencyCycles{},
		relationshipConsistency{},
		workflowState{},
		blueprintCompliance{},
		completenessRule{threshold: completenessThreshold},
	}
}

func issue(rule string, severity Severity, artifact, itemID, format string, args ...any) Issue {
	return Issue{Rule: rule, Severity: severity, Artifact: artifact, ItemID: itemID, Message: fmt.Sprintf(format, args...)}
}

func itemRef(id string, index int) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("#%d", index)
}

type requiredFields struct{}

func (requiredFields) Name() string { return RuleRequiredFields }

func (r requiredFields) Check(tree *Tree) []Issue {
	var issues []Issue
	missing := func(artifact, kind, ref string, fields map[string]string) {
		names := make([]string, 0, len(fields))
		for name, value := range fields {
			if strings.TrimSpace(value) == "" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			issues = append(issues, issue(r.Name(), SeverityError, artifact, ref, "%s %s is missing %s", kind, ref, name))
		}
	}
	if tree.Team != nil {
		src := tree.Source(KindTeam)
		for i, m := range tree.Team.Members {
			missing(src, "team member", itemRef(m.ID, i), map[string]string{"id": m.ID, "name": m.Name})
		}
	}
	if tree.Schedule != nil {
		src := tree.Source(KindSchedule)
		for i, m := range tree.Schedule.Milestones {
			missing(src, "milestone", itemRef(m.ID, i), map[string]string{"id": m.ID, "name": m.Name, "date": m.Date})
		}
		for i, task := range tree.Schedule.Tasks {
			missing(src, "task", itemRef(task.ID, i), map[string]string{"id": task.ID, "name": task.Name})
		}
	}
	if tree.RAID != nil {
		src := tree.Source(KindRAID)
		for i, item := range tree.RAID.Items {
			missing(src, "raid item", itemRef(item.ID, i), map[string]string{"id": item.ID, "type": item.Type, "title": item.Title})
		}
	}
	return issues
}

type crossReference struct{}

func (crossReference) Name() string { return RuleCrossReference }

// Check skips references into an artifact that was not loaded.
func (r crossReference) Check(tree *Tree) []Issue {
	var issues []Issue
	var milestones, scheduleItems, raidItems mapset.Set[string]
	if tree.Schedule != nil {
		milestones = mapset.NewThreadUnsafeSet[string]()
		scheduleItems = mapset.NewThreadUnsafeSet[string]()
		for _, m := range tree.Schedule.Milestones {
			milestones.Add(m.ID)
			scheduleItems.Add(m.ID)
		}
		for _, task := range tree.Schedule.Tasks {
			scheduleItems.Add(task.ID)
		}
	}
	if tree.RAID != nil {
		raidItems = mapset.NewThreadUnsafeSet[string]()
		for _, item := range tree.RAID.Items {
			raidItems.Add(item.ID)
		}
	}

	if tree.Schedule != nil {
		src := tree.Source(KindSchedule)
		for _, m := range tree.Schedule.Milestones {
			for _, dep := range m.DependsOn {
				if !scheduleItems.Contains(dep) {
					issues = append(issues, issue(r.Name(), SeverityError, src, m.ID, "milestone %s depends on unknown item %s", m.ID, dep))
				}
			}
		}
		for _, task := range tree.Schedule.Tasks {
			if task.Milestone != "" && !milestones.Contains(task.Milestone) {
				issues = append(issues, issue(r.Name(), SeverityError, src, task.ID, "task %s references unknown milestone %s", task.ID, task.Milestone))
			}
			for _, dep := range task.DependsOn {
				if !scheduleItems.Contains(dep) {
					issues = append(issues, issue(r.Name(), SeverityError, src, task.ID, "task %s depends on unknown item %s", task.ID, dep))
				}
			}
		}
	}
	if tree.RAID != nil {
		src := tree.Source(KindRAID)
		for _, item := range tree.RAID.Items {
			if item.Milestone != "" && milestones != nil && !milestones.Contains(item.Milestone) {
				issues = append(issues, issue(r.Name(), SeverityError, src, item.ID, "raid item %s references unknown milestone %s", item.ID, item.Milestone))
			}
			for _, linked := range item.LinkedItems {
				if !raidItems.Contains(linked) {
					issues = append(issues, issue(r.Name(), SeverityError, src, item.ID, "raid item %s links unknown item %s", item.ID, linked))
				}
			}
		}
	}
	return issues
}

type dateConsistency struct{}

func (dateConsistency) Name() string { return RuleDateConsistency }

func (r dateConsistency) Check(tree *Tree) []Issue {
	if tree.Schedule == nil {
		return nil
	}
	src := tree.Source(KindSchedule)
	start, hasStart := parseDate(tree.MetaString("start_date"))
	end, hasEnd := parseDate(tree.MetaString("end_date"))

	var issues []Issue
	window := func(kind, id, field, raw string) {
		ts, ok := parseDate(raw)
		if !ok {
			return
		}
		if hasStart && ts.Before(start) {
			issues = append(issues, issue(r.Name(), SeverityError, src, id, "%s %s %s %s is before project start %s", kind, id, field, raw, start.Format("2006-01-02")))
		}
		if hasEnd && ts.After(end) {
			issues = append(issues, issue(r.Name(), SeverityWarning, src, id, "%s %s %s %s is after project end %s", kind, id, field, raw, end.Format("2006-01-02")))
		}
	}
	for _, m := range tree.Schedule.Milestones {
		window("milestone", m.ID, "date", m.Date)
	}
	for _, task := range tree.Schedule.Tasks {
		window("task", task.ID, "start", task.Start)
		window("task", task.ID, "end", task.End)
		s, okS := parseDate(task.Start)
		e, okE := parseDate(task.End)
		if okS && okE && e.Before(s) {
			issues = append(issues, issue(r.Name(), SeverityError, src, task.ID, "task %s ends %s before it starts %s", task.ID, task.End, task.Start))
		}
	}
	return issues
}

type ownerValidation struct{}

func (ownerValidation) Name() string { return RuleOwnerValidation }

// Check skips owner resolution when no team artifact was loaded.
func (r ownerValidation) Check(tree *Tree) []Issue {
	if tree.Team == nil {
		return nil
	}
	known := mapset.NewThreadUnsafeSet[string]()
	for _, m := range tree.Team.Members {
		for _, v := range []string{m.ID, m.Name, m.Email} {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				known.Add(v)
			}
		}
	}
	var issues []Issue
	check := func(src, kind, id, owner string) {
		owner = strings.TrimSpace(owner)
		if owner == "" || known.Contains(strings.ToLower(owner)) {
			return
		}
		issues = append(issues, issue(r.Name(), SeverityWarning, src, id, "%s %s owner %q is not a team member", kind, id, owner))
	}
	if tree.Schedule != nil {
		src := tree.Source(KindSchedule)
		for _, m := range tree.Schedule.Milestones {
			check(src, "milestone", m.ID, m.Owner)
		}
		for _, task := range tree.Schedule.Tasks {
			check(src, "task", task.ID, task.Owner)
		}
	}
	if tree.RAID != nil {
		src := tree.Source(KindRAID)
		for _, item := range tree.RAID.Items {
			check(src, "raid item", item.ID, item.Owner)
		}
	}
	return issues
}

type dependencyCycles struct{}

func (dependencyCycles) Name() string { return RuleDependencyCycles }

func (r dependencyCycles) Check(tree *Tree) []Issue {
	if tree.Schedule == nil {
		return nil
	}
	graph := ScheduleGraph(tree.Schedule)
	src := tree.Source(KindSchedule)
	var issues []Issue
	for _, cycle := range FindCycles(graph) {
		issues = append(issues, Issue{
			Rule:     r.Name(),
			Severity: SeverityError,
			Artifact: src,
			ItemID:   cycle[0],
			Message:  "dependency cycle: " + strings.Join(cycle, " → "),
			Cycle:    cycle,
		})
	}
	return issues
}

type relationshipConsistency struct{}

func (relationshipConsistency) Name() string { return RuleRelationshipConsistency }

func (r relationshipConsistency) Check(tree *Tree) []Issue {
	if tree.Schedule == nil {
		return nil
	}
	src := tree.Source(KindSchedule)
	milestoneDate := map[string]string{}
	// Each schedule item spans [start, end]; a milestone is a single day.
	type span struct{ start, end string }
	spans := map[string]span{}
	for _, m := range tree.Schedule.Milestones {
		milestoneDate[m.ID] = m.Date
		spans[m.ID] = span{start: m.Date, end: m.Date}
	}
	for _, task := range tree.Schedule.Tasks {
		spans[task.ID] = span{start: task.Start, end: task.End}
	}

	var issues []Issue
	for _, task := range tree.Schedule.Tasks {
		if raw, ok := milestoneDate[task.Milestone]; ok {
			due, okDue := parseDate(raw)
			end, okEnd := parseDate(task.End)
			if okDue && okEnd && end.After(due) {
				issues = append(issues, issue(r.Name(), SeverityWarning, src, task.ID, "task %s ends %s after its milestone %s on %s", task.ID, task.End, task.Milestone, raw))
			}
		}
	}
	checkDeps := func(kind, id, startRaw string, deps []string) {
		start, ok := parseDate(startRaw)
		if !ok {
			return
		}
		for _, dep := range deps {
			sp, known := spans[dep]
			if !known {
				continue
			}
			depEnd, ok := parseDate(sp.end)
			if ok && start.Before(depEnd) {
				issues = append(issues, issue(r.Name(), SeverityWarning, src, id, "%s %s starts %s before dependency %s ends %s", kind, id, startRaw, dep, sp.end))
			}
		}
	}
	for _, m := range tree.Schedule.Milestones {
		checkDeps("milestone", m.ID, m.Date, m.DependsOn)
	}
	for _, task := range tree.Schedule.Tasks {
		checkDeps("task", task.ID, task.Start, task.DependsOn)
	}
	return issues
}

var (
	scheduleStatuses = mapset.NewSet("not_started", "planned", "in_progress", "blocked", "completed", "cancelled")
	raidStatuses     = mapset.NewSet("open", "in_progress", "mitigated", "closed", "accepted")
	raidTypes        = mapset.NewSet("risk", "assumption", "issue", "dependency")
	raidSeverities   = mapset.NewSet("low", "medium", "high", "critical")
	finishedStatuses = mapset.NewSet("completed", "cancelled")
)

type workflowState struct{}

func (workflowState) Name() string { return RuleWorkflowState }

func (r workflowState) Check(tree *Tree) []Issue {
	var issues []Issue
	enum := func(src, kind, id, field, value string, allowed mapset.Set[string]) {
		if value == "" || allowed.Contains(strings.ToLower(value)) {
			return
		}
		values := allowed.ToSlice()
		sort.Strings(values)
		issues = append(issues, issue(r.Name(), SeverityError, src, id, "%s %s has invalid %s %q (allowed: %s)", kind, id, field, value, strings.Join(values, ", ")))
	}

	if tree.Schedule != nil {
		src := tree.Source(KindSchedule)
		status := map[string]string{}
		for _, m := range tree.Schedule.Milestones {
			enum(src, "milestone", m.ID, "status", m.Status, scheduleStatuses)
			status[m.ID] = strings.ToLower(m.Status)
		}
		for _, task := range tree.Schedule.Tasks {
			enum(src, "task", task.ID, "status", task.Status, scheduleStatuses)
			status[task.ID] = strings.ToLower(task.Status)
		}
		blocked := func(kind, id, own string, deps []string) {
			if own != "completed" {
				return
			}
			for _, dep := range deps {
				depStatus, known := status[dep]
				if known && !finishedStatuses.Contains(depStatus) {
					issues = append(issues, issue(r.Name(), SeverityWarning, src, id, "%s %s is completed but depends on %s which is %s", kind, id, dep, orUnset(depStatus)))
				}
			}
		}
		for _, m := range tree.Schedule.Milestones {
			blocked("milestone", m.ID, status[m.ID], m.DependsOn)
		}
		for _, task := range tree.Schedule.Tasks {
			blocked("task", task.ID, status[task.ID], task.DependsOn)
		}
	}
	if tree.RAID != nil {
		src := tree.Source(KindRAID)
		for _, item := range tree.RAID.Items {
			enum(src, "raid item", item.ID, "type", item.Type, raidTypes)
			enum(src, "raid item", item.ID, "status", item.Status, raidStatuses)
			enum(src, "raid item", item.ID, "severity", item.Severity, raidSeverities)
		}
	}
	return issues
}

func orUnset(s string) string {
	if s == "" {
		return "unset"
	}
	return s
}

// Blueprints names the artifact kinds each project blueprint requires.
var Blueprints = map[string][]string{
	"standard":    {KindCharter, KindTeam, KindSchedule, KindRAID},
	"agile":       {KindCharter, KindTeam, KindSchedule},
	"lightweight": {KindCharter, KindSchedule},
}

type blueprintCompliance struct{}

func (blueprintCompliance) Name() string { return RuleBlueprintCompliance }

func (r blueprintCompliance) Check(tree *Tree) []Issue {
	name := strings.ToLower(tree.MetaString("blueprint"))
	if name == "" {
		return nil
	}
	required, ok := Blueprints[name]
	if !ok {
		return []Issue{issue(r.Name(), SeverityWarning, "project.json", "", "unknown blueprint %q", name)}
	}
	present := map[string]bool{
		KindCharter:  tree.Charter != nil,
		KindTeam:     tree.Team != nil,
		KindSchedule: tree.Schedule != nil,
		KindRAID:     tree.RAID != nil,
	}
	var issues []Issue
	for _, kind := range required {
		if !present[kind] {
			issues = append(issues, issue(r.Name(), SeverityWarning, tree.Source(kind), "", "blueprint %s requires the %s artifact", name, kind))
		}
	}
	return issues
}

type completenessRule struct {
	threshold float64
}

func (completenessRule) Name() string { return RuleCompleteness }

func (r completenessRule) Check(tree *Tree) []Issue {
	score := Completeness(tree)
	if score >= r.threshold {
		return nil
	}
	return []Issue{issue(r.Name(), SeverityWarning, "project.json", "", "completeness %.1f%% is below %.1f%%", score, r.threshold)}
}
