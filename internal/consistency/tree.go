package consistency

import (
	"encoding/json"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/gitrepo"
)

// Reader is the read side of the document store.
type Reader interface {
	ProjectExists(key string) (bool, error)
	ReadFile(key, rel string) ([]byte, bool, error)
}

type Charter struct {
	Objectives []string `json:"objectives" yaml:"objectives"`
	Scope      string   `json:"scope" yaml:"scope"`
	Sponsor    string   `json:"sponsor" yaml:"sponsor"`
}

func (c *Charter) isEmpty() bool {
	return len(c.Objectives) == 0 && strings.TrimSpace(c.Scope) == "" && strings.TrimSpace(c.Sponsor) == ""
}

type Member struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Role  string `json:"role" yaml:"role"`
	Email string `json:"email" yaml:"email"`
}

type Team struct {
	Members []Member `json:"members" yaml:"members"`
}

type Milestone struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Date      string   `json:"date" yaml:"date"`
	Owner     string   `json:"owner" yaml:"owner"`
	Status    string   `json:"status" yaml:"status"`
	DependsOn []string `json:"depends_on" yaml:"depends_on"`
}

type Task struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Start     string   `json:"start" yaml:"start"`
	End       string   `json:"end" yaml:"end"`
	Owner     string   `json:"owner" yaml:"owner"`
	Status    string   `json:"status" yaml:"status"`
	Milestone string   `json:"milestone" yaml:"milestone"`
	DependsOn []string `json:"depends_on" yaml:"depends_on"`
}

type Schedule struct {
	Milestones []Milestone `json:"milestones" yaml:"milestones"`
	Tasks      []Task      `json:"tasks" yaml:"tasks"`
}

type RAIDItem struct {
	ID          string   `json:"id" yaml:"id"`
	Type        string   `json:"type" yaml:"type"`
	Title       string   `json:"title" yaml:"title"`
	Owner       string   `json:"owner" yaml:"owner"`
	Status      string   `json:"status" yaml:"status"`
	Severity    string   `json:"severity" yaml:"severity"`
	Milestone   string   `json:"milestone" yaml:"milestone"`
	LinkedItems []string `json:"linked_items" yaml:"linked_items"`
}

type RAID struct {
	Items []RAIDItem `json:"items" yaml:"items"`
}

// Tree is the parsed artifact set of one project. A nil artifact is either
// absent or unreadable; Skipped lists the unreadable ones.
type Tree struct {
	Project  string
	Metadata map[string]any
	Charter  *Charter
	Team     *Team
	Schedule *Schedule
	RAID     *RAID
	// Sources maps an artifact kind to the path it was read from.
	Sources map[string]string
	Skipped []string
}

const (
	KindCharter  = "charter"
	KindTeam     = "team"
	KindSchedule = "schedule"
	KindRAID     = "raid"
)

var artifactExts = []string{".yaml", ".yml", ".json"}

// LoadTree reads the project's metadata and core artifacts. Missing or
// malformed files are skipped; only read failures are returned.
func LoadTree(r Reader, project string) (*Tree, error) {
	tree := &Tree{Project: project, Metadata: map[string]any{}, Sources: map[string]string{}}

	data, found, err := r.ReadFile(project, gitrepo.ProjectFile)
	if err != nil {
		return nil, err
	}
	if found {
		var meta map[string]any
		if err := json.Unmarshal(data, &meta); err == nil && meta != nil {
			tree.Metadata = meta
		} else {
			tree.Skipped = append(tree.Skipped, gitrepo.ProjectFile)
		}
	}

	var (
		charter  Charter
		team     Team
		schedule Schedule
		raid     RAID
	)
	targets := []struct {
		kind  string
		dest  any
		empty func() bool
		set   func()
	}{
		{KindCharter, &charter, charter.isEmpty, func() { tree.Charter = &charter }},
		{KindTeam, &team, func() bool { return len(team.Members) == 0 }, func() { tree.Team = &team }},
		{KindSchedule, &schedule, func() bool { return len(schedule.Milestones) == 0 && len(schedule.Tasks) == 0 }, func() { tree.Schedule = &schedule }},
		{KindRAID, &raid, func() bool { return len(raid.Items) == 0 }, func() { tree.RAID = &raid }},
	}
	for _, target := range targets {
		rel, data, found, err := readFirst(r, project, target.kind)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if err := decode(rel, data, target.dest); err != nil {
			tree.Skipped = append(tree.Skipped, rel)
			continue
		}
		tree.Sources[target.kind] = rel
		// An empty or null document is treated as absent.
		if target.empty() {
			continue
		}
		target.set()
	}
	return tree, nil
}

// Source returns the path an artifact kind was read from, or its default
// location when it was not loaded.
func (t *Tree) Source(kind string) string {
	if rel, ok := t.Sources[kind]; ok {
		return rel
	}
	return path.Join(gitrepo.ArtifactsDir, kind+artifactExts[0])
}

func (t *Tree) MetaString(key string) string {
	value, ok := t.Metadata[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(toString(v))
	}
}

func readFirst(r Reader, project, kind string) (string, []byte, bool, error) {
	for _, ext := range artifactExts {
		rel := path.Join(gitrepo.ArtifactsDir, kind+ext)
		data, found, err := r.ReadFile(project, rel)
		if err != nil {
			return "", nil, false, err
		}
		if found {
			return rel, data, true, nil
		}
	}
	return "", nil, false, nil
}

func decode(rel string, data []byte, dest any) error {
	if strings.HasSuffix(rel, ".json") {
		return json.Unmarshal(data, dest)
	}
	return yaml.Unmarshal(data, dest)
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}

// parseDate accepts plain dates and RFC 3339 timestamps.
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func toString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(data), `"`)
}
