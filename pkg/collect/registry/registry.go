// Package registry persists, per task, which files have already been handed
// to the instance manager and at which modification time. The file layout
// follows the positions-file convention: a small yaml document rewritten
// atomically on a sync period.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/renameio/v2"
	yaml "gopkg.in/yaml.v2"
)

// DefaultSyncPeriod is how often the in-memory state is flushed to disk.
const DefaultSyncPeriod = 10 * time.Second

// Config controls where and how often the registry file is written.
type Config struct {
	Path       string
	SyncPeriod time.Duration
}

// Record is what the registry remembers about one collected file.
type Record struct {
	ModTimeMillis int64  `yaml:"mtime"`
	DataTime      string `yaml:"data_time"`
}

// File is the on-disk document.
type File struct {
	Files map[string]Record `yaml:"files"`
}

// Registry is a durable path → Record map. All methods are safe for
// concurrent use.
type Registry struct {
	logger log.Logger
	cfg    Config

	mtx     sync.Mutex
	records map[string]Record
	dirty   bool

	quit chan struct{}
	done chan struct{}
}

// New loads the registry file (which may not exist yet) and starts the
// periodic sync loop.
func New(logger log.Logger, cfg Config) (*Registry, error) {
	if cfg.SyncPeriod <= 0 {
		cfg.SyncPeriod = DefaultSyncPeriod
	}
	records, err := readFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		logger:  log.With(logger, "component", "registry", "path", cfg.Path),
		cfg:     cfg,
		records: records,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Get returns the record for path.
func (r *Registry) Get(path string) (Record, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.records[path]
	return rec, ok
}

// Put stores the record for path.
func (r *Registry) Put(path string, rec Record) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.records[path] = rec
	r.dirty = true
}

// Remove forgets path.
func (r *Registry) Remove(path string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.records, path)
	r.dirty = true
}

// Size returns the number of recorded files.
func (r *Registry) Size() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.records)
}

// Stop flushes outstanding changes and stops the sync loop.
func (r *Registry) Stop() {
	close(r.quit)
	<-r.done
}

func (r *Registry) run() {
	defer func() {
		if err := r.save(); err != nil {
			level.Error(r.logger).Log("msg", "final registry save failed", "err", err)
		}
		close(r.done)
	}()
	ticker := time.NewTicker(r.cfg.SyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			if err := r.save(); err != nil {
				level.Error(r.logger).Log("msg", "registry save failed", "err", err)
			}
		}
	}
}

func (r *Registry) save() error {
	r.mtx.Lock()
	if !r.dirty {
		r.mtx.Unlock()
		return nil
	}
	snapshot := make(map[string]Record, len(r.records))
	for k, v := range r.records {
		snapshot[k] = v
	}
	r.dirty = false
	r.mtx.Unlock()

	buf, err := yaml.Marshal(File{Files: snapshot})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.Path), 0o750); err != nil {
		return err
	}
	return renameio.WriteFile(r.cfg.Path, buf, 0o640)
}

func readFile(path string) (map[string]Record, error) {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	var f File
	if err := yaml.UnmarshalStrict(buf, &f); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	if f.Files == nil {
		f.Files = map[string]Record{}
	}
	return f.Files, nil
}
