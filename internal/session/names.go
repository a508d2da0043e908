package session

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
)

// ErrInvalidName wraps every session name rejection.
var ErrInvalidName = errors.New("invalid session name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// reserved names collide with files kept next to the sessions directory.
var reserved = []string{"config", "logs", "tmp"}

// ValidateName checks that name can be used as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: lowercase letters, digits, '-' and '_' only, starting with a letter or digit, at most 64 chars", ErrInvalidName, name)
	}
	if slices.Contains(reserved, name) {
		return fmt.Errorf("%w %q: reserved", ErrInvalidName, name)
	}
	return nil
}

// List returns the sessions that have a directory under BaseDir, sorted.
// Entries with invalid names are skipped.
func List() ([]string, error) {
	entries, err := os.ReadDir(SessionsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}
