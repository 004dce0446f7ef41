package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
)

type recoveryStep string

const (
	stepOpen       recoveryStep = "open"
	stepMarkSafe   recoveryStep = "mark_safe"
	stepRetryOpen  recoveryStep = "retry_open"
	stepQuarantine recoveryStep = "quarantine"
	stepReady      recoveryStep = "ready"
	stepFailed     recoveryStep = "failed"
)

// openOrRecover walks open, mark-safe, retry-open and quarantine-and-reinit.
// Each step runs at most once, so the walk always terminates.
func (s *Store) openOrRecover() (*git.Repository, error) {
	gitDir := filepath.Join(s.baseDir, git.GitDirName)
	if _, err := os.Stat(gitDir); errors.Is(err, os.ErrNotExist) {
		return s.initRepository()
	}

	var (
		repo    *git.Repository
		lastErr error
	)
	step := stepOpen
	for {
		switch step {
		case stepOpen, stepRetryOpen:
			repo, lastErr = s.openHealthy()
			if lastErr == nil {
				step = stepReady
				continue
			}
			s.logger.Warn("repository open failed", zap.String("step", string(step)), zap.Error(lastErr))
			if step == stepOpen {
				step = stepMarkSafe
			} else {
				step = stepQuarantine
			}
		case stepMarkSafe:
			if err := s.trust(gitDir); err != nil {
				s.logger.Warn("mark-safe failed", zap.Error(err))
			}
			step = stepRetryOpen
		case stepQuarantine:
			var err error
			repo, err = s.quarantineAndReinit(gitDir)
			if err != nil {
				lastErr = err
				step = stepFailed
				continue
			}
			step = stepReady
		case stepReady:
			return repo, nil
		case stepFailed:
			return nil, errclass.ErrIO.WithMessage("repository unavailable after recovery").Wrap(lastErr)
		}
	}
}

// openHealthy opens the repository and verifies HEAD resolves to a readable
// commit. An unborn branch gets a seed commit.
func (s *Store) openHealthy() (*git.Repository, error) {
	repo, err := git.PlainOpen(s.baseDir)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := s.seedCommit(repo); err != nil {
				return nil, err
			}
			return repo, nil
		}
		return nil, err
	}
	if _, err := repo.CommitObject(head.Hash()); err != nil {
		return nil, fmt.Errorf("read HEAD commit: %w", err)
	}
	return repo, nil
}

func (s *Store) initRepository() (*git.Repository, error) {
	repo, err := git.PlainInit(s.baseDir, false)
	if err != nil {
		return nil, errclass.IO("init repository", err)
	}
	ref := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))
	if err := repo.Storer.SetReference(ref); err != nil {
		return nil, errclass.IO("set default branch", err)
	}
	if err := s.seedCommit(repo); err != nil {
		return nil, errclass.IO("seed repository", err)
	}
	s.logger.Info("repository initialised", zap.String("root", s.baseDir))
	return repo, nil
}

func (s *Store) quarantineAndReinit(gitDir string) (*git.Repository, error) {
	quarantined := fmt.Sprintf("%s.broken-%s", gitDir, s.now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(gitDir, quarantined); err != nil {
		return nil, errclass.IO("quarantine repository", err)
	}
	s.logger.Warn("repository quarantined", zap.String("moved_to", quarantined))
	return s.initRepository()
}

// seedCommit writes the store marker and commits it so HEAD is never unborn.
func (s *Store) seedCommit(repo *git.Repository) error {
	marker, err := json.MarshalIndent(map[string]any{
		"store":      "keystone",
		"created_at": s.now().UTC().Format("2006-01-02T15:04:05Z"),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(s.baseDir, markerFile), append(marker, '\n')); err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(s.baseDir, ".gitignore"), []byte("/.git.broken-*\n")); err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}
	for _, p := range []string{markerFile, ".gitignore"} {
		if _, err := worktree.Add(p); err != nil {
			return err
		}
	}
	_, err = worktree.Commit("Initialise document store", &git.CommitOptions{
		Author: &object.Signature{Name: s.author, Email: s.email, When: s.now()},
	})
	return err
}

// restoreOwnerAccess is the default mark-safe step: it makes every entry in
// the git directory readable and writable by the owner again.
func restoreOwnerAccess(gitDir string) error {
	return filepath.WalkDir(gitDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode().Perm() | 0o600
		if d.IsDir() {
			mode |= 0o100
		}
		return os.Chmod(p, mode)
	})
}
