// Package proposal runs the propose, apply and reject lifecycle for
// artifact changes, with optimistic conflict detection by content hash.
package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/audit"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/gitrepo"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/logging"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/store"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/textdiff"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/util"
)

// Documents is the slice of the document store the engine writes through.
type Documents interface {
	ProjectExists(key string) (bool, error)
	ReadFile(key, rel string) ([]byte, bool, error)
	WriteFile(key, rel string, content []byte) error
	DeleteFile(key, rel string) error
	ListFiles(key, dir string) ([]string, error)
	CommitChangesAs(key, author, message string, paths []string) (store.CommitInfo, error)
}

// Events receives lifecycle events.
type Events interface {
	Append(ctx context.Context, project, eventType, actor string, summary map[string]any, resourceHash, correlationID string) (store.AuditEvent, error)
}

type ApplyResult struct {
	ProposalID string               `json:"proposal_id"`
	Status     store.ProposalStatus `json:"status"`
	Artifact   string               `json:"artifact"`
	ChangeType store.ChangeType     `json:"change_type"`
	Commit     string               `json:"commit,omitempty"`
}

// ListFilter narrows List by equality on status and change type.
type ListFilter struct {
	Status     store.ProposalStatus
	ChangeType store.ChangeType
}

type Engine struct {
	docs   Documents
	events Events
	logger *zap.Logger
	now    func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(logger) }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

func New(docs Documents, events Events, opts ...Option) *Engine {
	e := &Engine{
		docs:   docs,
		events: events,
		logger: zap.NewNop(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NormalizeTarget cleans target and prefixes artifacts/ when it does not
// already live there. Targets that climb out of the project are returned
// cleaned but unprefixed so callers can reject them.
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	target = path.Clean(target)
	if path.IsAbs(target) || target == ".." || strings.HasPrefix(target, "../") {
		return target
	}
	if target == gitrepo.ArtifactsDir || strings.HasPrefix(target, gitrepo.ArtifactsDir+"/") {
		return target
	}
	return path.Join(gitrepo.ArtifactsDir, target)
}

// Create validates and persists a pending proposal, commits its file and
// emits proposal.created. No conflict check happens here.
func (e *Engine) Create(ctx context.Context, p store.Proposal) (store.Proposal, error) {
	if err := e.requireProject(p.ProjectKey); err != nil {
		return store.Proposal{}, err
	}
	if p.Status == "" {
		p.Status = store.StatusPending
	}
	if p.Status != store.StatusPending {
		return store.Proposal{}, errclass.ErrInvalidState.WithMessagef("new proposals must be pending, got %s", p.Status)
	}
	if !p.ChangeType.Valid() {
		return store.Proposal{}, errclass.ErrInvalidInput.WithMessagef("unknown change type %q", p.ChangeType)
	}
	p.TargetArtifact = NormalizeTarget(p.TargetArtifact)
	if p.TargetArtifact == "" || p.TargetArtifact == gitrepo.ArtifactsDir {
		return store.Proposal{}, errclass.ErrInvalidInput.WithMessage("target artifact is required")
	}
	if !strings.HasPrefix(p.TargetArtifact, gitrepo.ArtifactsDir+"/") {
		return store.Proposal{}, errclass.ErrPathEscape.WithMessagef("target %q is outside artifacts/", p.TargetArtifact)
	}
	if strings.TrimSpace(p.Author) == "" {
		p.Author = audit.ActorFrom(ctx, "system")
	}
	if p.ID == "" {
		p.ID = util.NewID("prop")
	} else if !validID(p.ID) {
		return store.Proposal{}, errclass.ErrInvalidInput.WithMessagef("invalid proposal id %q", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now().UTC()
	}
	p.AppliedAt = nil
	p.RejectionReason = ""

	lock := e.projectLock(p.ProjectKey)
	lock.Lock()
	defer lock.Unlock()

	if _, found, err := e.docs.ReadFile(p.ProjectKey, proposalPath(p.ID)); err != nil {
		return store.Proposal{}, err
	} else if found {
		return store.Proposal{}, errclass.ErrInvalidState.WithMessagef("proposal %s already exists", p.ID)
	}

	if p.ChangeType == store.ChangeUpdate && p.BaseHash == "" {
		current, found, err := e.docs.ReadFile(p.ProjectKey, p.TargetArtifact)
		if err != nil {
			return store.Proposal{}, err
		}
		if !found {
			return store.Proposal{}, errclass.ErrNotFound.WithMessagef("artifact %s", p.TargetArtifact)
		}
		p.BaseHash = audit.Hash(current)
	}

	if err := e.writeProposal(p); err != nil {
		return store.Proposal{}, err
	}
	message := fmt.Sprintf("proposal %s: propose %s %s", p.ID, p.ChangeType, p.TargetArtifact)
	if _, err := e.docs.CommitChangesAs(p.ProjectKey, p.Author, message, []string{proposalPath(p.ID)}); err != nil {
		_ = e.docs.DeleteFile(p.ProjectKey, proposalPath(p.ID))
		return store.Proposal{}, err
	}

	e.emit(ctx, p.ProjectKey, audit.EventProposalCreated, p.Author, map[string]any{
		"proposal_id":     p.ID,
		"target_artifact": p.TargetArtifact,
		"change_type":     string(p.ChangeType),
	}, p.BaseHash)
	e.logger.Info("proposal created", zap.String("project", p.ProjectKey), zap.String("proposal", p.ID))
	return p, nil
}

// Get loads one proposal.
func (e *Engine) Get(project, id string) (store.Proposal, error) {
	if err := e.requireProject(project); err != nil {
		return store.Proposal{}, err
	}
	return e.load(project, id)
}

// List returns the project's proposals newest first. Unreadable proposal
// files are skipped.
func (e *Engine) List(project string, filter ListFilter) ([]store.Proposal, error) {
	if err := e.requireProject(project); err != nil {
		return nil, err
	}
	files, err := e.docs.ListFiles(project, gitrepo.ProposalsDir)
	if err != nil {
		return nil, err
	}
	items := make([]store.Proposal, 0, len(files))
	for _, rel := range files {
		if !strings.HasSuffix(rel, ".json") {
			continue
		}
		data, found, err := e.docs.ReadFile(project, rel)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		res := parseProposal(data)
		if !res.ok {
			e.logger.Debug("skipping unreadable proposal", zap.String("project", project), zap.String("path", rel))
			continue
		}
		if filter.Status != "" && res.proposal.Status != filter.Status {
			continue
		}
		if filter.ChangeType != "" && res.proposal.ChangeType != filter.ChangeType {
			continue
		}
		items = append(items, res.proposal)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

// Apply materialises a pending proposal and commits the artifact together
// with the accepted proposal in a single commit. Applying the same
// proposal twice fails the second time with invalid-state.
func (e *Engine) Apply(ctx context.Context, project, id string) (ApplyResult, error) {
	if err := e.requireProject(project); err != nil {
		return ApplyResult{}, err
	}
	lock := e.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.loadPending(project, id)
	if err != nil {
		return ApplyResult{}, err
	}

	original, existed, err := e.docs.ReadFile(project, p.TargetArtifact)
	if err != nil {
		return ApplyResult{}, err
	}

	var next []byte
	switch p.ChangeType {
	case store.ChangeCreate:
		next = []byte(p.Diff)
	case store.ChangeUpdate:
		if !existed {
			return ApplyResult{}, errclass.ErrNotFound.WithMessagef("artifact %s", p.TargetArtifact).
				WithDetails(map[string]any{"proposal_id": p.ID, "artifact": p.TargetArtifact})
		}
		currentHash := audit.Hash(original)
		if currentHash != p.BaseHash {
			return ApplyResult{}, errclass.ErrConflict.
				WithMessagef("artifact %s changed since proposal %s was created", p.TargetArtifact, p.ID).
				WithDetails(map[string]any{
					"proposal_id":   p.ID,
					"artifact":      p.TargetArtifact,
					"expected_hash": p.BaseHash,
					"current_hash":  currentHash,
				})
		}
		patched, err := textdiff.Apply(string(original), p.Diff)
		if err != nil {
			return ApplyResult{}, errclass.ErrInvalidState.WithMessagef("diff for proposal %s does not apply", p.ID).Wrap(err)
		}
		next = []byte(patched)
	case store.ChangeDelete:
	default:
		return ApplyResult{}, errclass.ErrInvalidState.WithMessagef("proposal %s has unknown change type %q", p.ID, p.ChangeType)
	}

	previous := p
	appliedAt := e.now().UTC()
	p.Status = store.StatusAccepted
	p.AppliedAt = &appliedAt

	rollback := func() {
		if existed {
			_ = e.docs.WriteFile(project, p.TargetArtifact, original)
		} else {
			_ = e.docs.DeleteFile(project, p.TargetArtifact)
		}
		_ = e.writeProposal(previous)
	}

	if p.ChangeType == store.ChangeDelete {
		err = e.docs.DeleteFile(project, p.TargetArtifact)
	} else {
		err = e.docs.WriteFile(project, p.TargetArtifact, next)
	}
	if err != nil {
		rollback()
		return ApplyResult{}, err
	}
	if err := e.writeProposal(p); err != nil {
		rollback()
		return ApplyResult{}, err
	}

	actor := audit.ActorFrom(ctx, p.Author)
	message := fmt.Sprintf("proposal %s: %s %s", p.ID, p.ChangeType, p.TargetArtifact)
	commit, err := e.docs.CommitChangesAs(project, actor, message, []string{p.TargetArtifact, proposalPath(p.ID)})
	if err != nil {
		rollback()
		return ApplyResult{}, err
	}

	resourceHash := ""
	if p.ChangeType != store.ChangeDelete {
		resourceHash = audit.Hash(next)
	}
	e.emit(ctx, project, audit.EventProposalAccepted, actor, map[string]any{
		"proposal_id":     p.ID,
		"target_artifact": p.TargetArtifact,
		"change_type":     string(p.ChangeType),
	}, resourceHash)
	e.logger.Info("proposal applied",
		zap.String("project", project),
		zap.String("proposal", p.ID),
		zap.String("commit", commit.ShortHash))

	return ApplyResult{
		ProposalID: p.ID,
		Status:     p.Status,
		Artifact:   p.TargetArtifact,
		ChangeType: p.ChangeType,
		Commit:     commit.Hash,
	}, nil
}

// Reject closes a pending proposal without touching its artifact.
func (e *Engine) Reject(ctx context.Context, project, id, reason string) (store.Proposal, error) {
	if err := e.requireProject(project); err != nil {
		return store.Proposal{}, err
	}
	lock := e.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.loadPending(project, id)
	if err != nil {
		return store.Proposal{}, err
	}
	previous := p
	p.Status = store.StatusRejected
	p.RejectionReason = reason

	if err := e.writeProposal(p); err != nil {
		return store.Proposal{}, err
	}
	actor := audit.ActorFrom(ctx, p.Author)
	message := fmt.Sprintf("proposal %s: reject", p.ID)
	if _, err := e.docs.CommitChangesAs(project, actor, message, []string{proposalPath(p.ID)}); err != nil {
		_ = e.writeProposal(previous)
		return store.Proposal{}, err
	}

	e.emit(ctx, project, audit.EventProposalRejected, actor, map[string]any{
		"proposal_id":     p.ID,
		"target_artifact": p.TargetArtifact,
		"reason":          reason,
	}, "")
	e.logger.Info("proposal rejected", zap.String("project", project), zap.String("proposal", p.ID))
	return p, nil
}

func (e *Engine) loadPending(project, id string) (store.Proposal, error) {
	p, err := e.load(project, id)
	if err != nil {
		return store.Proposal{}, err
	}
	if p.Status != store.StatusPending {
		return store.Proposal{}, errclass.ErrInvalidState.
			WithMessagef("proposal %s is %s, not pending", id, p.Status).
			WithDetails(map[string]any{"proposal_id": id, "status": string(p.Status)})
	}
	return p, nil
}

func (e *Engine) load(project, id string) (store.Proposal, error) {
	if !validID(id) {
		return store.Proposal{}, errclass.ErrNotFound.WithMessagef("proposal %s", id)
	}
	data, found, err := e.docs.ReadFile(project, proposalPath(id))
	if err != nil {
		return store.Proposal{}, err
	}
	if !found {
		return store.Proposal{}, errclass.ErrNotFound.WithMessagef("proposal %s", id).
			WithDetails(map[string]any{"proposal_id": id})
	}
	res := parseProposal(data)
	if !res.ok {
		return store.Proposal{}, errclass.ErrIO.WithMessagef("proposal %s is unreadable", id)
	}
	return res.proposal, nil
}

func (e *Engine) writeProposal(p store.Proposal) error {
	payload, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	return e.docs.WriteFile(p.ProjectKey, proposalPath(p.ID), append(payload, '\n'))
}

func (e *Engine) requireProject(project string) error {
	exists, err := e.docs.ProjectExists(project)
	if err != nil {
		return err
	}
	if !exists {
		return errclass.ErrNotFound.WithMessagef("project %s", project)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, project, eventType, actor string, summary map[string]any, resourceHash string) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Append(ctx, project, eventType, actor, summary, resourceHash, audit.CorrelationIDFrom(ctx)); err != nil {
		// The commit already happened; a lost event is logged, not rolled back.
		e.logger.Error("audit append failed", zap.String("project", project), zap.String("event_type", eventType), zap.Error(err))
	}
}

func (e *Engine) projectLock(project string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	lock, ok := e.locks[project]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	e.locks[project] = lock
	return lock
}

type parseResult struct {
	proposal store.Proposal
	ok       bool
}

func parseProposal(data []byte) parseResult {
	var p store.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return parseResult{}
	}
	if p.ID == "" || !p.Status.Valid() {
		return parseResult{}
	}
	return parseResult{proposal: p, ok: true}
}

func proposalPath(id string) string {
	return path.Join(gitrepo.ProposalsDir, id+".json")
}

func validID(id string) bool {
	return gitrepo.ValidateKey(id) == nil
}
