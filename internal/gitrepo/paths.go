package gitrepo

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateKey rejects keys that cannot name a directory directly under the
// store root.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) || strings.Contains(key, "..") {
		return errclass.ErrInvalidInput.WithMessagef("invalid project key %q", key)
	}
	return nil
}

// resolve maps a project-relative path to its absolute path and its path
// relative to the repository root.
func (s *Store) resolve(key, rel string) (string, string, error) {
	if err := ValidateKey(key); err != nil {
		return "", "", err
	}
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimSpace(rel)))
	if rel == "" || filepath.IsAbs(cleaned) || !filepath.IsLocal(cleaned) {
		return "", "", errclass.ErrPathEscape.WithMessagef("path %q escapes project %s", rel, key)
	}
	projectDir := s.ProjectPath(key)
	abs, err := securejoin.SecureJoin(projectDir, cleaned)
	if err != nil {
		return "", "", errclass.ErrPathEscape.WithMessagef("path %q escapes project %s", rel, key).Wrap(err)
	}
	inside, err := filepath.Rel(projectDir, abs)
	if err != nil || !filepath.IsLocal(inside) {
		return "", "", errclass.ErrPathEscape.WithMessagef("path %q escapes project %s", rel, key)
	}
	return abs, filepath.ToSlash(filepath.Join(key, inside)), nil
}

// atomicWrite writes through a temp file in the same directory followed by
// a rename, so readers never see partial content.
func atomicWrite(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return err
	}
	committed = true
	return nil
}
