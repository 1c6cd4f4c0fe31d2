package instance

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Selection persists the name of the active instance in a bare file.
// Invariant: whenever the registry is non-empty, the selection resolves to
// a current member. Get repairs violations by pointing at an arbitrary
// remaining instance (the first in sorted order).
type Selection struct {
	mu   sync.Mutex
	path string
	reg  *Registry
}

// NewSelection creates a Selection backed by the file at path.
func NewSelection(path string, reg *Registry) *Selection {
	return &Selection{path: path, reg: reg}
}

// Get returns the selected instance name, or "" when no instances exist.
// A stale or missing value is repaired in place.
func (s *Selection) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked()
}

// Set records name as the selected instance. name must be a registry member.
func (s *Selection) Set(name string) error {
	if !s.reg.Has(name) {
		return fmt.Errorf("instance %q not found", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(name)
}

// Clear removes the persisted selection.
func (s *Selection) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

// Repair re-establishes the invariant after registry membership changed:
// an orphaned selection is reassigned to a surviving instance, or cleared
// when the registry is empty.
func (s *Selection) Repair() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveLocked()
}

func (s *Selection) resolveLocked() string {
	if data, err := os.ReadFile(s.path); err == nil {
		name := strings.TrimSpace(string(data))
		if name != "" && s.reg.Has(name) {
			return name
		}
	}

	names := s.reg.Names()
	if len(names) == 0 {
		_ = s.clearLocked()
		return ""
	}
	_ = s.writeLocked(names[0])
	return names[0]
}

func (s *Selection) writeLocked(name string) error {
	if err := os.WriteFile(s.path, []byte(name), 0o644); err != nil {
		return fmt.Errorf("write selection file: %w", err)
	}
	return nil
}

func (s *Selection) clearLocked() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear selection file: %w", err)
	}
	return nil
}
