package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"shepherd/internal/logging"
)

// ErrMountDenied is returned when a requested mount falls outside the
// allowlist or matches a blocked pattern. Spawns are refused on it.
var ErrMountDenied = errors.New("mount denied by allowlist")

// Allowlist restricts which host paths may be mounted into worker
// containers. The file lives outside the group workspaces so a worker
// can never edit its own restrictions.
type Allowlist struct {
	AllowedRoots    []string `json:"allowedRoots"`
	BlockedPatterns []string `json:"blockedPatterns"`
	NonMainReadOnly bool     `json:"nonMainReadOnly"`
}

// LoadAllowlist reads and parses the allowlist file. Paths are cleaned
// and made absolute relative to the process working directory.
func LoadAllowlist(path string) (Allowlist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, fmt.Errorf("read mount allowlist: %w", err)
	}
	var a Allowlist
	if err := json.Unmarshal(raw, &a); err != nil {
		return Allowlist{}, fmt.Errorf("parse mount allowlist: %w", err)
	}
	for i, root := range a.AllowedRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return Allowlist{}, fmt.Errorf("resolve allowed root %q: %w", root, err)
		}
		a.AllowedRoots[i] = abs
	}
	return a, nil
}

// Check validates a single host path against the allowlist. The path
// must resolve under one of the allowed roots and must not match any
// blocked pattern. Patterns use doublestar globs matched against the
// absolute path.
func (a Allowlist) Check(hostPath string) error {
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return fmt.Errorf("resolve mount path %q: %w", hostPath, err)
	}
	abs = filepath.Clean(abs)

	inRoot := false
	for _, root := range a.AllowedRoots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			inRoot = true
			break
		}
	}
	if !inRoot {
		return fmt.Errorf("%w: %s is outside allowed roots", ErrMountDenied, abs)
	}

	for _, pat := range a.BlockedPatterns {
		ok, err := doublestar.Match(pat, abs)
		if err != nil {
			return fmt.Errorf("bad blocked pattern %q: %w", pat, err)
		}
		if ok {
			return fmt.Errorf("%w: %s matches blocked pattern %s", ErrMountDenied, abs, pat)
		}
	}
	return nil
}

// AllowlistSource re-reads the allowlist file on every spawn decision so
// edits apply without a restart. A watcher additionally logs changes as
// they land, which makes allowlist edits visible in the operational log.
type AllowlistSource struct {
	path   string
	logger *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewAllowlistSource creates a source for the given file. path may be
// empty, in which case Current returns a deny-all allowlist.
func NewAllowlistSource(path string, logger *slog.Logger) *AllowlistSource {
	return &AllowlistSource{
		path:   path,
		logger: logging.Default(logger).With("component", "mounts"),
	}
}

// Current loads the allowlist from disk. An unreadable or missing file
// yields a deny-all allowlist: no roots, so every extra mount is refused.
func (s *AllowlistSource) Current() Allowlist {
	if s.path == "" {
		return Allowlist{NonMainReadOnly: true}
	}
	a, err := LoadAllowlist(s.path)
	if err != nil {
		s.logger.Warn("allowlist unreadable, denying extra mounts", "error", err)
		return Allowlist{NonMainReadOnly: true}
	}
	return a
}

// Watch starts logging allowlist file changes until Close is called.
// Watch failures are non-fatal: the per-spawn re-read still applies.
func (s *AllowlistSource) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create allowlist watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch allowlist dir: %w", err)
	}
	s.watcher = w
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(s.path) {
					s.logger.Info("mount allowlist changed", "op", ev.Op.String())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("allowlist watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher. Safe to call when Watch was never started.
func (s *AllowlistSource) Close() {
	if s.watcher == nil {
		return
	}
	_ = s.watcher.Close()
	<-s.done
	s.watcher = nil
}
