package store

import "time"

// AuditTimeLayout is the audit timestamp format: UTC, second precision, Z suffix.
const AuditTimeLayout = "2006-01-02T15:04:05Z"

type Project struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Metadata holds every project.json field, including the ones above.
	Metadata map[string]any `json:"metadata"`
}

type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusAccepted ProposalStatus = "accepted"
	StatusRejected ProposalStatus = "rejected"
)

func (s ProposalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// Proposal is one intended change to exactly one artifact. AppliedAt is set
// if and only if Status is accepted.
type Proposal struct {
	ID             string         `json:"id"`
	ProjectKey     string         `json:"project_key"`
	TargetArtifact string         `json:"target_artifact"`
	ChangeType     ChangeType     `json:"change_type"`
	Diff           string         `json:"diff"`
	Rationale      string         `json:"rationale"`
	Author         string         `json:"author"`
	Status         ProposalStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	AppliedAt      *time.Time     `json:"applied_at,omitempty"`
	// BaseHash is the target artifact's content hash when the proposal was made.
	BaseHash        string `json:"base_hash,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

type AuditEvent struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	Timestamp      string         `json:"timestamp"`
	Actor          string         `json:"actor"`
	CorrelationID  string         `json:"correlation_id"`
	ProjectKey     string         `json:"project_key"`
	PayloadSummary map[string]any `json:"payload_summary"`
	ResourceHash   string         `json:"resource_hash"`
}

// Time parses the event timestamp.
func (e AuditEvent) Time() (time.Time, error) {
	return time.Parse(AuditTimeLayout, e.Timestamp)
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"short_hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

type ArtifactInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}
