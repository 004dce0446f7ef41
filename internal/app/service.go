// Package app wires the document store, proposal engine, audit log and
// consistency engine behind one project-scoped facade.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/audit"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/config"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/consistency"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/gitrepo"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/history"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/logging"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/proposal"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/store"
)

type CreateProposalInput struct {
	ID             string           `json:"id"`
	TargetArtifact string           `json:"target_artifact"`
	ChangeType     store.ChangeType `json:"change_type"`
	Diff           string           `json:"diff"`
	Rationale      string           `json:"rationale"`
	Author         string           `json:"author"`
}

type LogEventInput struct {
	EventType    string         `json:"event_type"`
	Summary      map[string]any `json:"payload_summary"`
	ResourceHash string         `json:"resource_hash"`
}

type Service struct {
	docs        *gitrepo.Store
	proposals   *proposal.Engine
	events      *audit.Log
	consistency *consistency.Engine
	history     *history.RedisStore
	mirror      *store.PostgresAuditMirror
	logger      *zap.Logger
	closers     []func() error
}

type options struct {
	logger    *zap.Logger
	clock     func() time.Time
	threshold float64
	mirror    *store.PostgresAuditMirror
	history   *history.RedisStore
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(logger) }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func WithCompletenessThreshold(threshold float64) Option {
	return func(o *options) { o.threshold = threshold }
}

// WithAuditMirror copies every audit event into Postgres.
func WithAuditMirror(mirror *store.PostgresAuditMirror) Option {
	return func(o *options) { o.mirror = mirror }
}

// WithHistory records a snapshot of every consistency run in Redis.
func WithHistory(h *history.RedisStore) Option {
	return func(o *options) { o.history = h }
}

func New(docs *gitrepo.Store, opts ...Option) *Service {
	o := options{
		logger:    zap.NewNop(),
		clock:     time.Now,
		threshold: consistency.DefaultCompletenessThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}

	auditOpts := []audit.Option{audit.WithLogger(o.logger.Named("audit")), audit.WithClock(o.clock)}
	if o.mirror != nil {
		auditOpts = append(auditOpts, audit.WithMirror(o.mirror))
	}
	events := audit.New(docs, auditOpts...)

	consistencyOpts := []consistency.Option{
		consistency.WithThreshold(o.threshold),
		consistency.WithLogger(o.logger.Named("consistency")),
		consistency.WithClock(o.clock),
	}
	if o.history != nil {
		consistencyOpts = append(consistencyOpts, consistency.WithRecorder(o.history))
	}

	return &Service{
		docs:        docs,
		proposals:   proposal.New(docs, events, proposal.WithLogger(o.logger.Named("proposal")), proposal.WithClock(o.clock)),
		events:      events,
		consistency: consistency.New(docs, consistencyOpts...),
		history:     o.history,
		mirror:      o.mirror,
		logger:      o.logger,
	}
}

// Open builds a Service from configuration. The Postgres mirror and the
// Redis history are connected only when their URLs are set.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	docs := gitrepo.New(cfg.RootDir,
		gitrepo.WithLogger(logger.Named("gitrepo")),
		gitrepo.WithSignature(cfg.CommitAuthor, cfg.CommitEmail),
		gitrepo.WithDiffContext(cfg.DiffContext),
	)
	if _, err := docs.EnsureRepository(); err != nil {
		return nil, err
	}

	opts := []Option{WithLogger(logger), WithCompletenessThreshold(cfg.CompletenessThreshold)}
	var closers []func() error

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("audit mirror: %w", err)
		}
		closers = append(closers, db.Close)
		opts = append(opts, WithAuditMirror(store.NewPostgresAuditMirror(db)))
		logger.Info("audit mirror enabled")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		h, err := history.NewRedisStore(cfg.RedisURL, cfg.HistoryLimit)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("consistency history: %w", err)
		}
		closers = append(closers, h.Close)
		opts = append(opts, WithHistory(h))
		logger.Info("consistency history enabled")
	}

	svc := New(docs, opts...)
	svc.closers = closers
	return svc, nil
}

// Close releases the optional database and Redis connections.
func (s *Service) Close() error {
	err := closeAll(s.closers)
	s.closers = nil
	return err
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) CreateProject(ctx context.Context, key string, metadata map[string]any) (store.Project, error) {
	project, err := s.docs.CreateProject(key, metadata)
	if err != nil {
		return store.Project{}, err
	}
	s.logger.Info("project created",
		zap.String("project", key),
		zap.String("actor", audit.ActorFrom(ctx, "system")))
	return project, nil
}

func (s *Service) GetProject(_ context.Context, key string) (store.Project, error) {
	return s.docs.LoadProject(key)
}

func (s *Service) ListArtifacts(_ context.Context, key string) ([]store.ArtifactInfo, error) {
	if err := s.requireProject(key); err != nil {
		return nil, err
	}
	return s.docs.ListArtifacts(key)
}

// ProjectHistory returns the project's commits, newest first.
func (s *Service) ProjectHistory(_ context.Context, key string, limit int) ([]store.CommitInfo, error) {
	if err := s.requireProject(key); err != nil {
		return nil, err
	}
	return s.docs.History(key, limit)
}

func (s *Service) CreateProposal(ctx context.Context, project string, input CreateProposalInput) (store.Proposal, error) {
	return s.proposals.Create(ctx, store.Proposal{
		ID:             strings.TrimSpace(input.ID),
		ProjectKey:     project,
		TargetArtifact: input.TargetArtifact,
		ChangeType:     input.ChangeType,
		Diff:           input.Diff,
		Rationale:      input.Rationale,
		Author:         strings.TrimSpace(input.Author),
	})
}

func (s *Service) GetProposal(_ context.Context, project, id string) (store.Proposal, error) {
	return s.proposals.Get(project, id)
}

func (s *Service) ListProposals(_ context.Context, project string, filter proposal.ListFilter) ([]store.Proposal, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, errclass.ErrInvalidInput.WithMessagef("unknown status %q", filter.Status)
	}
	if filter.ChangeType != "" && !filter.ChangeType.Valid() {
		return nil, errclass.ErrInvalidInput.WithMessagef("unknown change type %q", filter.ChangeType)
	}
	return s.proposals.List(project, filter)
}

func (s *Service) ApplyProposal(ctx context.Context, project, id string) (proposal.ApplyResult, error) {
	return s.proposals.Apply(ctx, project, id)
}

func (s *Service) RejectProposal(ctx context.Context, project, id, reason string) (store.Proposal, error) {
	return s.proposals.Reject(ctx, project, id, reason)
}

// LogEvent appends a caller-defined event. The actor and correlation id
// come from ctx.
func (s *Service) LogEvent(ctx context.Context, project string, input LogEventInput) (store.AuditEvent, error) {
	if strings.TrimSpace(input.EventType) == "" {
		return store.AuditEvent{}, errclass.ErrInvalidInput.WithMessage("event type is required")
	}
	if err := s.requireProject(project); err != nil {
		return store.AuditEvent{}, err
	}
	return s.events.Append(ctx, project, strings.TrimSpace(input.EventType), audit.ActorFrom(ctx, "system"),
		input.Summary, input.ResourceHash, audit.CorrelationIDFrom(ctx))
}

func (s *Service) QueryEvents(_ context.Context, project string, filter audit.Filter) (audit.Page, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return audit.Page{}, errclass.ErrInvalidInput.WithMessage("limit and offset must not be negative")
	}
	if filter.Since != nil && filter.Until != nil && filter.Until.Truncate(time.Second).Before(filter.Since.Truncate(time.Second)) {
		return audit.Page{}, errclass.ErrInvalidInput.WithMessage("until is before since")
	}
	if err := s.requireProject(project); err != nil {
		return audit.Page{}, err
	}
	return s.events.Query(project, filter)
}

// AuditStats counts a project's events per type. The Postgres mirror
// answers when configured; otherwise the local log is scanned.
func (s *Service) AuditStats(ctx context.Context, project string) (map[string]int, error) {
	if err := s.requireProject(project); err != nil {
		return nil, err
	}
	if s.mirror != nil {
		counts, err := s.mirror.CountByType(ctx, project)
		if err != nil {
			return nil, errclass.IO("count mirrored events", err)
		}
		return counts, nil
	}
	return s.events.CountByType(project)
}

// MirroredEvents lists the newest events held by the Postgres mirror.
func (s *Service) MirroredEvents(ctx context.Context, project string, limit int) ([]store.AuditEvent, error) {
	if s.mirror == nil {
		return nil, errclass.ErrInvalidState.WithMessage("audit mirror is not configured")
	}
	if limit < 0 {
		return nil, errclass.ErrInvalidInput.WithMessage("limit must not be negative")
	}
	if err := s.requireProject(project); err != nil {
		return nil, err
	}
	events, err := s.mirror.ListByProject(ctx, project, limit)
	if err != nil {
		return nil, errclass.IO("list mirrored events", err)
	}
	return events, nil
}

func (s *Service) RunConsistencyRules(ctx context.Context, project string, rules ...string) (consistency.Report, error) {
	return s.consistency.Run(ctx, project, rules...)
}

// RuleNames lists the available consistency rules in run order.
func (s *Service) RuleNames() []string {
	return s.consistency.RuleNames()
}

// ConsistencyHistory returns recent run snapshots, newest first. It is
// empty when no history store is configured.
func (s *Service) ConsistencyHistory(ctx context.Context, project string, n int) ([]history.Snapshot, error) {
	if s.history == nil {
		return []history.Snapshot{}, nil
	}
	if err := s.requireProject(project); err != nil {
		return nil, err
	}
	return s.history.Recent(ctx, project, n)
}

// ClearConsistencyHistory drops the recorded snapshots of a project.
func (s *Service) ClearConsistencyHistory(ctx context.Context, project string) error {
	if s.history == nil {
		return errclass.ErrInvalidState.WithMessage("consistency history is not configured")
	}
	if err := s.requireProject(project); err != nil {
		return err
	}
	if err := s.history.Clear(ctx, project); err != nil {
		return errclass.IO("clear consistency history", err)
	}
	s.logger.Info("consistency history cleared", zap.String("project", project))
	return nil
}

func (s *Service) requireProject(key string) error {
	exists, err := s.docs.ProjectExists(key)
	if err != nil {
		return err
	}
	if !exists {
		return errclass.ErrNotFound.WithMessagef("project %s", key)
	}
	return nil
}
