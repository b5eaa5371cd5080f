// Package sanitize validates identifiers and paths that come from callers.
//
// Thread and session IDs end up in NATS subjects, Redis keys and URL path
// segments, so they are restricted to a character set that is safe in all
// three.
package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxIDLength bounds thread and session IDs.
const MaxIDLength = 128

var (
	// ErrInvalidID indicates an identifier with a disallowed format.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrPathTraversal indicates a path contains directory traversal sequences.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")
)

// idPattern accepts UUIDs and short slugs. Dots, wildcards and whitespace
// would split or widen a NATS subject.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateID checks a caller-supplied identifier. field names the value in
// the error message.
func ValidateID(id, field string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: %s is empty", ErrInvalidID, field)
	case len(id) > MaxIDLength:
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidID, field, MaxIDLength)
	case !idPattern.MatchString(id):
		return fmt.Errorf("%w: %s must be letters, digits, '-' or '_'", ErrInvalidID, field)
	}
	return nil
}

// ValidateOptionalID is ValidateID for fields that may be left empty.
func ValidateOptionalID(id, field string) error {
	if id == "" {
		return nil
	}
	return ValidateID(id, field)
}

// ValidatePath rejects traversal and returns the cleaned absolute path.
// With a non-empty allowedRoot the path must resolve inside it.
func ValidatePath(path, allowedRoot string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("%w: contains '..'", ErrPathTraversal)
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if allowedRoot == "" {
		return absPath, nil
	}

	absRoot, err := filepath.Abs(allowedRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve allowed root: %w", err)
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: path escapes allowed root", ErrPathTraversal)
	}
	return absPath, nil
}
