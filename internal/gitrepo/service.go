// Package gitrepo is the document store: one git repository holding a
// subtree per project, with path-safe file access and atomic multi-file
// commits.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/logging"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/store"
	"github.com/blecx/AI-Agent-Framework-sub000/internal/textdiff"
)

const (
	ProjectFile    = "project.json"
	ArtifactsDir   = "artifacts"
	ProposalsDir   = "proposals"
	EventsDir      = "events"
	mainBranch     = "main"
	markerFile     = ".keystone.json"
	keepFile       = ".gitkeep"
	defaultAuthor  = "Keystone"
	defaultEmail   = "keystone@localhost"
	defaultContext = 3
)

type Store struct {
	baseDir     string
	author      string
	email       string
	diffContext int
	logger      *zap.Logger
	now         func() time.Time
	trust       func(gitDir string) error
	commit      func(w *git.Worktree, msg string, opts *git.CommitOptions) (plumbing.Hash, error)

	// mu guards repo and serialises stage+commit so that concurrent callers
	// never commit each other's staged paths.
	mu   sync.Mutex
	repo *git.Repository
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// WithSignature sets the default commit author.
func WithSignature(name, email string) Option {
	return func(s *Store) {
		if strings.TrimSpace(name) != "" {
			s.author = name
		}
		if strings.TrimSpace(email) != "" {
			s.email = email
		}
	}
}

func WithDiffContext(lines int) Option {
	return func(s *Store) { s.diffContext = lines }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.now = clock }
}

// WithTrustFunc replaces the mark-safe recovery step.
func WithTrustFunc(trust func(gitDir string) error) Option {
	return func(s *Store) { s.trust = trust }
}

func New(baseDir string, opts ...Option) *Store {
	s := &Store{
		baseDir:     baseDir,
		author:      defaultAuthor,
		email:       defaultEmail,
		diffContext: defaultContext,
		logger:      zap.NewNop(),
		now:         time.Now,
		trust:       restoreOwnerAccess,
		commit:      (*git.Worktree).Commit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Root() string {
	return s.baseDir
}

// EnsureRepository returns a usable repository handle, initialising or
// recovering the repository at the store root when needed. Calling it again
// on a healthy store returns the same handle without new commits.
func (s *Store) EnsureRepository() (*git.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked()
}

func (s *Store) ensureLocked() (*git.Repository, error) {
	if s.repo != nil {
		return s.repo, nil
	}
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return nil, errclass.IO("create store root", err)
	}
	repo, err := s.openOrRecover()
	if err != nil {
		s.logger.Error("document store unavailable", zap.String("root", s.baseDir), zap.Error(err))
		return nil, err
	}
	s.repo = repo
	return repo, nil
}

// ProjectPath composes the project directory path without touching disk.
func (s *Store) ProjectPath(key string) string {
	return filepath.Join(s.baseDir, key)
}

func (s *Store) ProjectExists(key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.ProjectPath(key), ProjectFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errclass.IO("stat project", err)
}

// CreateProject lays down the project skeleton and commits it. A failure
// while creating the skeleton removes the partially created directory.
func (s *Store) CreateProject(key string, metadata map[string]any) (store.Project, error) {
	if _, err := s.EnsureRepository(); err != nil {
		return store.Project{}, err
	}
	exists, err := s.ProjectExists(key)
	if err != nil {
		return store.Project{}, err
	}
	if exists {
		return store.Project{}, errclass.ErrInvalidState.WithMessagef("project %s already exists", key)
	}

	dir := s.ProjectPath(key)
	_, statErr := os.Stat(dir)
	preexisting := statErr == nil
	cleanup := func() {
		if !preexisting {
			_ = os.RemoveAll(dir)
		}
	}

	paths := []string{ProjectFile}
	for _, sub := range []string{ArtifactsDir, EventsDir, ProposalsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			cleanup()
			return store.Project{}, errclass.IO("create project skeleton", err)
		}
		keep := path.Join(sub, keepFile)
		if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(keep)), nil, 0o644); err != nil {
			cleanup()
			return store.Project{}, errclass.IO("create project skeleton", err)
		}
		paths = append(paths, keep)
	}

	now := s.now().UTC().Truncate(time.Second)
	fields := make(map[string]any, len(metadata)+4)
	for k, v := range metadata {
		fields[k] = v
	}
	fields["key"] = key
	if name, _ := fields["name"].(string); strings.TrimSpace(name) == "" {
		fields["name"] = key
	}
	fields["created_at"] = now.Format(time.RFC3339)
	fields["updated_at"] = now.Format(time.RFC3339)

	payload, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		cleanup()
		return store.Project{}, fmt.Errorf("marshal project metadata: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, ProjectFile), append(payload, '\n')); err != nil {
		cleanup()
		return store.Project{}, errclass.IO("write project metadata", err)
	}

	if _, err := s.CommitChanges(key, "Create project "+key, paths); err != nil {
		cleanup()
		return store.Project{}, err
	}
	s.logger.Info("project created", zap.String("project", key))
	return projectFromFields(fields), nil
}

// LoadProject reads project.json.
func (s *Store) LoadProject(key string) (store.Project, error) {
	data, found, err := s.ReadFile(key, ProjectFile)
	if err != nil {
		return store.Project{}, err
	}
	if !found {
		return store.Project{}, errclass.ErrNotFound.WithMessagef("project %s", key)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return store.Project{}, errclass.IO("decode project metadata", err)
	}
	return projectFromFields(fields), nil
}

// ReadFile returns the content at a project-relative path. A missing file
// is reported through found=false, not an error.
func (s *Store) ReadFile(key, rel string) ([]byte, bool, error) {
	abs, _, err := s.resolve(key, rel)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, errclass.IO("read "+rel, err)
	}
	return data, true, nil
}

// WriteFile overwrites the file at a project-relative path, creating parent
// directories. The change is not durable until CommitChanges.
func (s *Store) WriteFile(key, rel string, content []byte) error {
	abs, _, err := s.resolve(key, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errclass.IO("create parent dir for "+rel, err)
	}
	if err := atomicWrite(abs, content); err != nil {
		return errclass.IO("write "+rel, err)
	}
	return nil
}

// DeleteFile removes the file if present.
func (s *Store) DeleteFile(key, rel string) error {
	abs, _, err := s.resolve(key, rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errclass.IO("delete "+rel, err)
	}
	return nil
}

// CommitChanges stages exactly the given project-relative paths and records
// one commit. Paths that no longer exist are staged as removals when
// tracked and skipped otherwise. It returns a zero CommitInfo when nothing
// was staged.
func (s *Store) CommitChanges(key, message string, paths []string) (store.CommitInfo, error) {
	return s.CommitChangesAs(key, "", message, paths)
}

// CommitChangesAs is CommitChanges with an explicit author name.
func (s *Store) CommitChangesAs(key, author, message string, paths []string) (store.CommitInfo, error) {
	if len(paths) == 0 {
		return store.CommitInfo{}, nil
	}
	type target struct{ abs, repoRel string }
	targets := make([]target, 0, len(paths))
	for _, rel := range paths {
		abs, repoRel, err := s.resolve(key, rel)
		if err != nil {
			return store.CommitInfo{}, err
		}
		targets = append(targets, target{abs: abs, repoRel: repoRel})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.ensureLocked()
	if err != nil {
		return store.CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, errclass.IO("open worktree", err)
	}

	repoRels := make([]string, 0, len(targets))
	for _, t := range targets {
		repoRels = append(repoRels, t.repoRel)
	}
	// A failed commit must not leave its paths staged for the next caller.
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := unstage(repo, repoRels); err != nil {
			s.logger.Warn("reset index after failed commit", zap.String("project", key), zap.Error(err))
		}
	}()

	for _, t := range targets {
		_, statErr := os.Lstat(t.abs)
		switch {
		case statErr == nil:
			if _, err := worktree.Add(t.repoRel); err != nil {
				return store.CommitInfo{}, errclass.IO("git add "+t.repoRel, err)
			}
		case errors.Is(statErr, os.ErrNotExist):
			if _, err := worktree.Remove(t.repoRel); err != nil {
				if errors.Is(err, index.ErrEntryNotFound) {
					continue
				}
				return store.CommitInfo{}, errclass.IO("git rm "+t.repoRel, err)
			}
		default:
			return store.CommitInfo{}, errclass.IO("stat "+t.repoRel, statErr)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return store.CommitInfo{}, errclass.IO("read worktree status", err)
	}
	staged := false
	for _, t := range targets {
		if fileStatus, ok := status[t.repoRel]; ok && fileStatus.Staging != git.Unmodified && fileStatus.Staging != git.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		committed = true
		s.logger.Debug("nothing to commit", zap.String("project", key), zap.Strings("paths", paths))
		return store.CommitInfo{}, nil
	}

	hash, err := s.commit(worktree, message, &git.CommitOptions{Author: s.signature(author)})
	if err != nil {
		return store.CommitInfo{}, errclass.IO("commit", err)
	}
	committed = true
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, errclass.IO("read commit object", err)
	}
	info := toCommitInfo(commitObj)
	s.logger.Debug("committed", zap.String("project", key), zap.String("commit", info.ShortHash), zap.Int("paths", len(paths)))
	return info, nil
}

// unstage points the index entries of paths back at HEAD, dropping the
// entries HEAD does not track.
func unstage(repo *git.Repository, paths []string) error {
	idx, err := repo.Storer.Index()
	if err != nil {
		return err
	}
	var tree *object.Tree
	head, err := repo.Head()
	switch {
	case err == nil:
		commit, err := repo.CommitObject(head.Hash())
		if err != nil {
			return err
		}
		if tree, err = commit.Tree(); err != nil {
			return err
		}
	case !errors.Is(err, plumbing.ErrReferenceNotFound):
		return err
	}

	for _, p := range paths {
		var file *object.File
		if tree != nil {
			file, err = tree.File(p)
			if err != nil && !errors.Is(err, object.ErrFileNotFound) {
				return err
			}
		}
		if file == nil {
			if _, err := idx.Remove(p); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return err
			}
			continue
		}
		entry, err := idx.Entry(p)
		switch {
		case errors.Is(err, index.ErrEntryNotFound):
			entry = idx.Add(p)
		case err != nil:
			return err
		}
		entry.Hash = file.Hash
		entry.Mode = file.Mode
		entry.Size = uint32(file.Size)
		// Zero times force status to rehash the working copy.
		entry.CreatedAt = time.Time{}
		entry.ModifiedAt = time.Time{}
	}
	return repo.Storer.SetIndex(idx)
}

// ListArtifacts enumerates the files under artifacts/, sorted by path.
func (s *Store) ListArtifacts(key string) ([]store.ArtifactInfo, error) {
	root, _, err := s.resolve(key, ArtifactsDir)
	if err != nil {
		return nil, err
	}
	items := make([]store.ArtifactInfo, 0)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == root && errors.Is(walkErr, os.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() || d.Name() == keepFile {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.ProjectPath(key), p)
		if err != nil {
			return err
		}
		items = append(items, store.ArtifactInfo{
			Path: filepath.ToSlash(rel),
			Name: d.Name(),
			Type: inferType(d.Name()),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, errclass.IO("list artifacts", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

// ListFiles returns the project-relative paths of the regular files directly
// inside dir, sorted.
func (s *Store) ListFiles(key, dir string) ([]string, error) {
	abs, _, err := s.resolve(key, dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, errclass.IO("list "+dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || entry.Name() == keepFile || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, path.Join(filepath.ToSlash(dir), entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// LastCommit returns the newest commit touching the project subtree, or nil.
func (s *Store) LastCommit(key string) (*store.CommitInfo, error) {
	items, err := s.History(key, 1)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// History lists commits touching the project subtree, newest first.
func (s *Store) History(key string, limit int) ([]store.CommitInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.ensureLocked()
	if err != nil {
		return nil, err
	}
	if _, err := repo.Head(); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, errclass.IO("resolve HEAD", err)
	}

	prefix := key + "/"
	iter, err := repo.Log(&git.LogOptions{
		PathFilter: func(p string) bool { return strings.HasPrefix(p, prefix) },
	})
	if err != nil {
		return nil, errclass.IO("read log", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errclass.IO("iterate log", err)
	}
	return items, nil
}

// DiffWorkingCopy returns a unified diff from the committed version of a
// file to its working copy. Either side may be absent.
func (s *Store) DiffWorkingCopy(key, rel string) (string, error) {
	abs, repoRel, err := s.resolve(key, rel)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	committed, err := s.committedContentLocked(repoRel)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	current := ""
	data, err := os.ReadFile(abs)
	switch {
	case err == nil:
		current = string(data)
	case !errors.Is(err, os.ErrNotExist):
		return "", errclass.IO("read "+rel, err)
	}
	return textdiff.Unified(committed, current, "a/"+repoRel, "b/"+repoRel, s.diffContext), nil
}

func (s *Store) committedContentLocked(repoRel string) (string, error) {
	repo, err := s.ensureLocked()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", errclass.IO("resolve HEAD", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", errclass.IO("load HEAD commit", err)
	}
	file, err := commitObj.File(repoRel)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", nil
		}
		return "", errclass.IO("load "+repoRel+" from HEAD", err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", errclass.IO("read "+repoRel+" from HEAD", err)
	}
	return contents, nil
}

func (s *Store) signature(author string) *object.Signature {
	name := strings.TrimSpace(author)
	email := s.email
	if name == "" {
		name = s.author
	} else {
		email = fmt.Sprintf("%s@local.keystone.dev", sanitizeEmail(name))
	}
	return &object.Signature{Name: name, Email: email, When: s.now()}
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	info := store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		ShortHash: commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	if stats, err := commitObj.Stats(); err == nil {
		for _, st := range stats {
			info.Added += st.Addition
			info.Removed += st.Deletion
		}
	}
	return info
}

func projectFromFields(fields map[string]any) store.Project {
	p := store.Project{Metadata: fields}
	p.Key, _ = fields["key"].(string)
	p.Name, _ = fields["name"].(string)
	if raw, ok := fields["created_at"].(string); ok {
		p.CreatedAt, _ = time.Parse(time.RFC3339, raw)
	}
	if raw, ok := fields["updated_at"].(string); ok {
		p.UpdatedAt, _ = time.Parse(time.RFC3339, raw)
	}
	return p
}

func inferType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".txt":
		return "text"
	case ".csv":
		return "csv"
	default:
		return "other"
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
