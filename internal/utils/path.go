package utils

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ResolvePath expands a leading `~` and returns a cleaned absolute path.
func ResolvePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path cannot be empty")
	}

	if strings.HasPrefix(p, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		p = strings.Replace(p, "~", homeDir, 1)
	}

	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

func EnsureParent(p string) error {
	return EnsureDir(filepath.Dir(p))
}

func EnsureDir(p string) error {
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	return os.MkdirAll(p, 0o755)
}

func FileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// NormPath turns an OS path into the slash separated, root relative form used
// as both the snapshot path and the remote object key.
func NormPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimLeft(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// ParentDirs returns every ancestor directory of a normalized path, shallowest
// first. "a/b/c.txt" yields ["a", "a/b"].
func ParentDirs(p string) []string {
	p = NormPath(p)
	dir := path.Dir(p)
	if dir == "." || dir == "" {
		return nil
	}

	parts := strings.Split(dir, "/")
	dirs := make([]string, 0, len(parts))
	current := ""
	for _, part := range parts {
		if current == "" {
			current = part
		} else {
			current = current + "/" + part
		}
		dirs = append(dirs, current)
	}
	return dirs
}
