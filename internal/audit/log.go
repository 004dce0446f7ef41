// Package audit is the per-project append-only event log stored as
// newline-delimited JSON under events/audit.ndjson.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/gitrepo"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/logging"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/store"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/textdiff"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/util"
)

const (
	EventProposalCreated  = "proposal.created"
	EventProposalAccepted = "proposal.accepted"
	EventProposalRejected = "proposal.rejected"

	DefaultLimit = 100
	// MaxEventBytes caps one encoded event line. Append rejects larger
	// events and readers skip larger lines.
	MaxEventBytes = 1 << 20
	logFile      = "audit.ndjson"
	eventsDir    = "events"
)

// Locator resolves a project key to its directory.
type Locator interface {
	ProjectPath(key string) string
}

// Mirror receives a copy of every appended event. Mirror failures never
// fail the append.
type Mirror interface {
	Mirror(ctx context.Context, event store.AuditEvent) error
}

type Filter struct {
	Type   string
	Actor  string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

type Page struct {
	Events []store.AuditEvent `json:"events"`
	Total  int                `json:"total"`
}

type Log struct {
	locator Locator
	mirror  Mirror
	logger  *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

type Option func(*Log)

func WithMirror(mirror Mirror) Option {
	return func(l *Log) { l.mirror = mirror }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logging.OrNop(logger) }
}

func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.now = clock }
}

func New(locator Locator, opts ...Option) *Log {
	l := &Log{locator: locator, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Hash is the content fingerprint shared by audit resource hashes and
// proposal conflict snapshots.
func Hash(content []byte) string {
	return textdiff.Hash(content)
}

// Append writes one event and returns it with its generated id and timestamp.
func (l *Log) Append(ctx context.Context, project, eventType, actor string, summary map[string]any, resourceHash, correlationID string) (store.AuditEvent, error) {
	if err := gitrepo.ValidateKey(project); err != nil {
		return store.AuditEvent{}, err
	}
	if eventType == "" {
		return store.AuditEvent{}, errclass.ErrInvalidInput.WithMessage("event type is required")
	}
	if summary == nil {
		summary = map[string]any{}
	}
	event := store.AuditEvent{
		EventID:        util.NewEventID(),
		EventType:      eventType,
		Timestamp:      l.now().UTC().Format(store.AuditTimeLayout),
		Actor:          actor,
		CorrelationID:  correlationID,
		ProjectKey:     project,
		PayloadSummary: summary,
		ResourceHash:   resourceHash,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return store.AuditEvent{}, fmt.Errorf("marshal audit event: %w", err)
	}
	if len(line) > MaxEventBytes {
		return store.AuditEvent{}, errclass.ErrInvalidInput.WithMessage("audit event too large").
			WithDetails(map[string]any{"bytes": len(line), "max_bytes": MaxEventBytes})
	}

	path := l.path(project)
	l.mu.Lock()
	err = appendLine(path, line)
	l.mu.Unlock()
	if err != nil {
		return store.AuditEvent{}, errclass.IO("append audit event", err)
	}

	if l.mirror != nil {
		if err := l.mirror.Mirror(ctx, event); err != nil {
			l.logger.Warn("audit mirror failed", zap.String("project", project), zap.String("event_id", event.EventID), zap.Error(err))
		}
	}
	l.logger.Debug("audit event appended", zap.String("project", project), zap.String("event_type", eventType))
	return event, nil
}

// Query returns the events matching filter in append order. Filters apply
// type, actor, since and until in that order before pagination; Total is
// the filtered count before pagination. Event timestamps carry whole
// seconds, so Since and Until are truncated to the second and both bounds
// are inclusive.
func (l *Log) Query(project string, filter Filter) (Page, error) {
	if err := gitrepo.ValidateKey(project); err != nil {
		return Page{}, err
	}
	results, err := l.readAll(project)
	if err != nil {
		return Page{}, err
	}

	matched := make([]store.AuditEvent, 0, len(results))
	for _, res := range results {
		if !res.ok {
			continue
		}
		event := res.event
		if filter.Type != "" && event.EventType != filter.Type {
			continue
		}
		if filter.Actor != "" && event.Actor != filter.Actor {
			continue
		}
		if filter.Since != nil || filter.Until != nil {
			ts, err := event.Time()
			if err != nil {
				continue
			}
			if filter.Since != nil && ts.Before(filter.Since.UTC().Truncate(time.Second)) {
				continue
			}
			if filter.Until != nil && ts.After(filter.Until.UTC().Truncate(time.Second)) {
				continue
			}
		}
		matched = append(matched, event)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	page := Page{Events: []store.AuditEvent{}, Total: len(matched)}
	if offset >= len(matched) {
		return page, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Events = matched[offset:end]
	return page, nil
}

// CountByType tallies the readable events of a project per event type.
func (l *Log) CountByType(project string) (map[string]int, error) {
	if err := gitrepo.ValidateKey(project); err != nil {
		return nil, err
	}
	results, err := l.readAll(project)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, res := range results {
		if res.ok {
			counts[res.event.EventType]++
		}
	}
	return counts, nil
}

type parseResult struct {
	event store.AuditEvent
	ok    bool
}

func parseLine(line []byte) parseResult {
	var event store.AuditEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return parseResult{}
	}
	if event.EventID == "" || event.EventType == "" {
		return parseResult{}
	}
	return parseResult{event: event, ok: true}
}

func (l *Log) readAll(project string) ([]parseResult, error) {
	file, err := os.Open(l.path(project))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errclass.IO("open audit log", err)
	}
	defer file.Close()

	results := make([]parseResult, 0)
	reader := bufio.NewReaderSize(file, 64*1024)
	var line []byte
	oversized := false
	for {
		chunk, err := reader.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			if !oversized {
				line = append(line, chunk...)
				if len(line) > MaxEventBytes {
					line, oversized = line[:0], true
				}
			}
			continue
		case err != nil && !errors.Is(err, io.EOF):
			return nil, errclass.IO("read audit log", err)
		}
		if !oversized {
			line = append(line, chunk...)
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		switch {
		case oversized || len(trimmed) > MaxEventBytes:
			// A line past the cap is never decoded; it counts as unreadable.
			results = append(results, parseResult{})
		case len(trimmed) > 0:
			results = append(results, parseLine(trimmed))
		}
		line, oversized = line[:0], false
		if err != nil {
			break
		}
	}
	return results, nil
}

func (l *Log) path(project string) string {
	return filepath.Join(l.locator.ProjectPath(project), eventsDir, logFile)
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
