package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	// ErrGroupExists is returned when adding a group whose folder is taken.
	ErrGroupExists = errors.New("group already exists")
	// ErrGroupNotFound is returned when a group lookup misses.
	ErrGroupNotFound = errors.New("group not found")
)

// ContainerConfig carries per-group worker container settings.
type ContainerConfig struct {
	AdditionalMounts []string `json:"additionalMounts,omitempty"`
	TimeoutMs        int64    `json:"timeout,omitempty"`
}

// Group is a chat workspace. Folder is the stable key and the directory
// name under GROUPS_DIR; it never changes after creation.
type Group struct {
	Name            string          `json:"name"`
	Folder          string          `json:"folder"`
	TriggerPrefix   string          `json:"trigger,omitempty"`
	AddedAt         time.Time       `json:"addedAt"`
	Container       ContainerConfig `json:"containerConfig"`
	RequiresTrigger bool            `json:"requiresTrigger"`
}

// IsMain reports whether this is the privileged group.
func (g Group) IsMain() bool { return g.Folder == MainGroupFolder }

// Timeout returns the group's hard timeout, or fallback when unset.
func (g Group) Timeout(fallback time.Duration) time.Duration {
	if g.Container.TimeoutMs > 0 {
		return time.Duration(g.Container.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// Groups is the persistent group registry, a JSON file rewritten in full
// on every mutation. Reads take a snapshot under lock.
type Groups struct {
	path string

	mu     sync.RWMutex
	groups map[string]Group // folder → group
}

// LoadGroups reads the registry file. A missing file yields an empty
// registry (first run).
func LoadGroups(path string) (*Groups, error) {
	g := &Groups{path: path, groups: make(map[string]Group)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group registry: %w", err)
	}

	var list []Group
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse group registry: %w", err)
	}
	for _, grp := range list {
		g.groups[grp.Folder] = grp
	}
	return g, nil
}

// Get returns the group with the given folder.
func (g *Groups) Get(folder string) (Group, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[folder]
	return grp, ok
}

// List returns all groups sorted by folder.
func (g *Groups) List() []Group {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Group, 0, len(g.groups))
	for _, grp := range g.groups {
		out = append(out, grp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

// Add registers a new group and persists the registry. The folder must
// be unused.
func (g *Groups) Add(grp Group) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.groups[grp.Folder]; ok {
		return fmt.Errorf("%w: %s", ErrGroupExists, grp.Folder)
	}
	if grp.AddedAt.IsZero() {
		grp.AddedAt = time.Now()
	}
	g.groups[grp.Folder] = grp
	return g.saveLocked()
}

// Remove deletes a group and persists the registry.
func (g *Groups) Remove(folder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.groups[folder]; !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, folder)
	}
	delete(g.groups, folder)
	return g.saveLocked()
}

func (g *Groups) saveLocked() error {
	list := make([]Group, 0, len(g.groups))
	for _, grp := range g.groups {
		list = append(list, grp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Folder < list[j].Folder })

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode group registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write group registry: %w", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return fmt.Errorf("replace group registry: %w", err)
	}
	return nil
}
