package instance

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// nameRE matches valid instance names: alphanumeric plus - and _, max 64.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidName reports whether name is usable as an instance name.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Registry is the scan-rebuilt index of instance directories. It is never
// patched incrementally: Refresh replaces the whole index from disk, and
// Create/Remove mutate the filesystem first and then rescan.
type Registry struct {
	mu    sync.RWMutex
	dir   string
	paths map[string]string
}

// NewRegistry creates a Registry rooted at dir, creating the directory if
// needed, and performs the initial scan.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create instances directory: %w", err)
	}
	r := &Registry{dir: dir, paths: map[string]string{}}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the instances root directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Refresh rebuilds the index from a full directory scan.
func (r *Registry) Refresh() error {
	names, err := listDirectories(r.dir)
	if err != nil {
		return fmt.Errorf("scan instances directory: %w", err)
	}

	paths := make(map[string]string, len(names))
	for _, name := range names {
		paths[name] = filepath.Join(r.dir, name)
	}

	r.mu.Lock()
	r.paths = paths
	r.mu.Unlock()
	return nil
}

// List returns a copy of the name -> path index.
func (r *Registry) List() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.paths))
	for k, v := range r.paths {
		out[k] = v
	}
	return out
}

// Names returns the registered instance names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.paths))
	for name := range r.paths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the directory of the named instance.
func (r *Registry) Path(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.paths[name]
	return p, ok
}

// Has reports whether name is a current member of the registry.
func (r *Registry) Has(name string) bool {
	_, ok := r.Path(name)
	return ok
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.paths)
}

// CreateFrom materializes a new instance by copying the template tree at
// src. All validation happens before any filesystem mutation.
func (r *Registry) CreateFrom(name, src string) error {
	if !ValidName(name) {
		return fmt.Errorf("invalid name %q (alphanumeric plus - _ only, max 64 chars)", name)
	}
	if r.Has(name) {
		return fmt.Errorf("instance %q already exists", name)
	}

	dst := filepath.Join(r.dir, name)
	if err := CopyTree(src, dst); err != nil {
		return fmt.Errorf("copy template: %w", err)
	}
	return r.Refresh()
}

// Remove deletes the named instance directory and rescans.
func (r *Registry) Remove(name string) error {
	path, ok := r.Path(name)
	if !ok {
		return fmt.Errorf("instance %q not found", name)
	}
	if err := RemoveTree(path); err != nil {
		return fmt.Errorf("remove instance directory: %w", err)
	}
	return r.Refresh()
}

// Watch starts an fsnotify watcher on the instances directory and triggers
// a full rescan whenever entries are created, removed or renamed, so the
// index heals from out-of-band changes. It returns after the watcher is
// installed; the goroutine exits when ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Refresh(); err != nil {
					log.Printf("[REGISTRY] rescan after %s failed: %v", ev.Op, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[REGISTRY] watcher error: %v", err)
			}
		}
	}()
	return nil
}
