package web

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SafePath resolves p against base and rejects results outside base.
// Relative paths are joined to base; absolute paths must already lie in it.
func SafePath(base, p string) (string, error) {
	root, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", base, err)
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside %q", p, root)
	}
	return target, nil
}
