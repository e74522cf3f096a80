package gitinterop

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const maxNameLength = 100

var validRepoName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateName checks that name is usable as a single path segment under the storage root.
// Every rejection wraps ErrInvalidName.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLength)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q contains a parent traversal", ErrInvalidName, name)
	case filepath.IsAbs(name):
		return fmt.Errorf("%w: %q is absolute", ErrInvalidName, name)
	case strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-"):
		return fmt.Errorf("%w: %q must start with a letter, digit or underscore", ErrInvalidName, name)
	case strings.HasSuffix(strings.ToLower(name), ".git"):
		return fmt.Errorf("%w: %q must not end in .git", ErrInvalidName, name)
	case !validRepoName.MatchString(name):
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidName, name)
	}
	return nil
}

// NameFromPath strips one trailing ".git" so `/git/demo.git/info/refs` addresses "demo".
func NameFromPath(segment string) string {
	return strings.TrimSuffix(segment, ".git")
}
