// Package watcher maintains one recursive filesystem-change subscription
// per path pattern. An Entity owns the fsnotify handle, the compiled file
// expression, and the set of directories currently registered below the
// pattern's static root.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"

	"github.com/loghive/agent/pkg/collect/pattern"
)

// MaxWatchDepth bounds recursive registration below the static root. It
// matches the scanner's walk bound so watch and scan cover the same tree.
const MaxWatchDepth = 3

// Options configures an Entity.
type Options struct {
	// OriginPattern is the date-templated path pattern to watch.
	OriginPattern string
	// CycleUnit and TimeOffset are carried for the orchestrator's data-time
	// validation of files this entity reports.
	CycleUnit  pattern.CycleUnit
	TimeOffset time.Duration
	// Excludes are doublestar globs; matching paths are never reported.
	Excludes []string
	// OnRebuild, if set, is called after the watch service has been
	// rebuilt following an invalidated registration.
	OnRebuild func()
}

// Entity is the per-pattern watch state. It is confined to the task's core
// loop goroutine except for Close.
type Entity struct {
	logger log.Logger
	opts   Options

	layers    pattern.Layers
	fileRegex *regexp.Regexp

	watcher *fsnotify.Watcher
	watched map[string]struct{}
	invalid bool
}

// New splits the pattern, verifies the static root exists, opens the
// filesystem subscription, and registers every directory below the root.
// A missing root returns an error satisfying os.IsNotExist so the caller
// can park the pattern for retry.
func New(logger log.Logger, opts Options) (*Entity, error) {
	layers, err := pattern.Split(opts.OriginPattern)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(layers.Root); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	e := &Entity{
		logger:    log.With(logger, "component", "watcher", "pattern", opts.OriginPattern),
		opts:      opts,
		layers:    layers,
		fileRegex: layers.FileRegex,
		watcher:   w,
		watched:   map[string]struct{}{},
	}
	if err := e.RegisterRecursively(layers.Root); err != nil {
		_ = w.Close()
		return nil, err
	}
	return e, nil
}

// OriginPattern returns the pattern this entity watches.
func (e *Entity) OriginPattern() string { return e.opts.OriginPattern }

// CycleUnit returns the pattern's cycle unit.
func (e *Entity) CycleUnit() pattern.CycleUnit { return e.opts.CycleUnit }

// TimeOffset returns the pattern's time offset.
func (e *Entity) TimeOffset() time.Duration { return e.opts.TimeOffset }

// Root returns the static root directory.
func (e *Entity) Root() string { return e.layers.Root }

// TotalPathSize returns how many directories are currently registered.
func (e *Entity) TotalPathSize() int { return len(e.watched) }

// RegisterRecursively walks from root (bounded by MaxWatchDepth below the
// static root) and subscribes to every directory not yet registered.
// Registration is idempotent; unreadable subtrees are logged and skipped.
func (e *Entity) RegisterRecursively(root string) error {
	rootDepth := pathDepth(e.layers.Root)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			level.Warn(e.logger).Log("msg", "skipping unreadable path during registration", "path", path, "err", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if pathDepth(path)-rootDepth > MaxWatchDepth {
			return fs.SkipDir
		}
		if _, ok := e.watched[path]; ok {
			return nil
		}
		if err := e.watcher.Add(path); err != nil {
			if IsTooManyOpenFiles(err) {
				level.Error(e.logger).Log("msg", "cannot watch directory: too many open files", "path", path)
			} else {
				level.Error(e.logger).Log("msg", "cannot watch directory", "path", path, "err", err)
			}
			return nil
		}
		e.watched[path] = struct{}{}
		return nil
	})
}

// DrainEvents polls the subscription without blocking, at most
// TotalPathSize times. Each created file whose absolute path matches the
// pattern's file expression (full or prefix match) is passed to onFile;
// created directories are registered recursively so new subtrees keep
// being tracked. The return value counts overflow sentinels observed; the
// caller compensates for those via its periodic scan.
func (e *Entity) DrainEvents(onFile func(path string)) int {
	overflows := 0
	for i := 0; i < e.TotalPathSize(); i++ {
		select {
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return overflows
			}
			e.handleEvent(ev, onFile)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return overflows
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				level.Error(e.logger).Log("msg", "watch event overflow, relying on periodic scan", "err", err)
				overflows++
				continue
			}
			level.Error(e.logger).Log("msg", "watch error", "err", err)
		default:
			e.resetIfInvalid()
			return overflows
		}
	}
	e.resetIfInvalid()
	return overflows
}

func (e *Entity) handleEvent(ev fsnotify.Event, onFile func(path string)) {
	name := ev.Name
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, ok := e.watched[name]; ok {
			// A registered directory went away; the handle backing it is
			// now stale, so rebuild the whole subscription.
			level.Warn(e.logger).Log("msg", "watched directory removed, scheduling watch rebuild", "path", name)
			e.invalid = true
		}
		return
	}
	if !ev.Has(fsnotify.Create) {
		return
	}
	fi, err := os.Stat(name)
	if err != nil {
		// Created and deleted between the event and now.
		return
	}
	if fi.IsDir() {
		if err := e.RegisterRecursively(name); err != nil {
			level.Error(e.logger).Log("msg", "registering new directory failed", "path", name, "err", err)
		}
		return
	}
	if !e.fileRegex.MatchString(name) {
		return
	}
	if excluded(e.opts.Excludes, name) {
		return
	}
	onFile(name)
}

// resetIfInvalid rebuilds the entire watch service after a registered
// directory disappeared: close the handle, drop every registration, open a
// fresh handle, and re-register from the static root.
func (e *Entity) resetIfInvalid() {
	if !e.invalid {
		return
	}
	e.invalid = false
	if err := e.watcher.Close(); err != nil {
		level.Error(e.logger).Log("msg", "closing stale watch service failed", "err", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		level.Error(e.logger).Log("msg", "reopening watch service failed", "err", err)
		return
	}
	e.watcher = w
	e.watched = map[string]struct{}{}
	if err := e.RegisterRecursively(e.layers.Root); err != nil {
		level.Error(e.logger).Log("msg", "re-registration after rebuild failed", "err", err)
	}
	level.Info(e.logger).Log("msg", "watch service rebuilt", "directories", e.TotalPathSize())
	if e.opts.OnRebuild != nil {
		e.opts.OnRebuild()
	}
}

// Close releases the subscription. Safe to call from any goroutine.
func (e *Entity) Close() error {
	return e.watcher.Close()
}

// IsTooManyOpenFiles reports whether err is the fd-exhaustion errno.
func IsTooManyOpenFiles(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

func excluded(excludes []string, path string) bool {
	for _, e := range excludes {
		if ok, _ := doublestar.PathMatch(e, path); ok {
			return true
		}
	}
	return false
}

func pathDepth(p string) int {
	p = filepath.ToSlash(filepath.Clean(p))
	n := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			n++
		}
	}
	return n
}
