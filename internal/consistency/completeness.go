package consistency

import (
	"math"
	"strings"
)

// manifestEntry is one expected element of a complete project.
type manifestEntry struct {
	name    string
	present func(*Tree) bool
}

func metaField(key string) manifestEntry {
	return manifestEntry{name: "project." + key, present: func(t *Tree) bool { return t.MetaString(key) != "" }}
}

var manifest = []manifestEntry{
	metaField("name"),
	metaField("description"),
	metaField("start_date"),
	metaField("end_date"),
	metaField("sponsor"),
	{"charter", func(t *Tree) bool { return t.Charter != nil }},
	{"team", func(t *Tree) bool { return t.Team != nil }},
	{"schedule", func(t *Tree) bool { return t.Schedule != nil }},
	{"raid", func(t *Tree) bool { return t.RAID != nil }},
	{"charter.objectives", func(t *Tree) bool { return t.Charter != nil && len(nonEmpty(t.Charter.Objectives)) > 0 }},
	{"charter.scope", func(t *Tree) bool { return t.Charter != nil && strings.TrimSpace(t.Charter.Scope) != "" }},
	{"team.members", func(t *Tree) bool { return t.Team != nil && len(t.Team.Members) > 0 }},
	{"schedule.milestones", func(t *Tree) bool { return t.Schedule != nil && len(t.Schedule.Milestones) > 0 }},
	{"raid.items", func(t *Tree) bool { return t.RAID != nil && len(t.RAID.Items) > 0 }},
}

// Completeness is the share of manifest entries present and non-empty, as
// a percentage rounded to one decimal. The manifest is fixed, so adding a
// missing element never lowers the score.
func Completeness(tree *Tree) float64 {
	present := 0
	for _, entry := range manifest {
		if entry.present(tree) {
			present++
		}
	}
	return math.Round(float64(present)/float64(len(manifest))*1000) / 10
}

// Missing lists the manifest entries the tree lacks.
func Missing(tree *Tree) []string {
	out := []string{}
	for _, entry := range manifest {
		if !entry.present(tree) {
			out = append(out, entry.name)
		}
	}
	return out
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
