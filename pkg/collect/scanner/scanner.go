// Package scanner enumerates existing files that match a date-templated
// path pattern over a time window. It is the compensation path for watch
// gaps and the only discovery path in retry mode.
package scanner

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/loghive/agent/pkg/collect/pattern"
	"github.com/loghive/agent/pkg/collect/profile"
)

// MaxScanDepth bounds how far below a pattern's static root the walk may
// descend. It also caps the damage of symlink cycles.
const MaxScanDepth = 3

// BasicFileInfo is one scan result: an existing file and the data time of
// the cycle whose expansion matched it.
type BasicFileInfo struct {
	Path     string
	DataTime string
}

// Scanner materialises date-templated patterns over a window and collects
// the files that exist.
type Scanner struct {
	logger log.Logger
	engine *pattern.Engine
}

// New builds a Scanner rendering dates with engine.
func New(logger log.Logger, engine *pattern.Engine) *Scanner {
	return &Scanner{logger: log.With(logger, "component", "scanner"), engine: engine}
}

// ScanTaskBetweenTimes enumerates matching files for originPattern between
// failTime and recoverTime (epoch millis). Outside retry mode both bounds
// are shifted back by the task's time offset first. Results within one
// cycle are ordered by modification time ascending and capped at the
// profile's file_max_num.
func (s *Scanner) ScanTaskBetweenTimes(tp *profile.Task, originPattern string, failTime, recoverTime int64, isRetry bool) []BasicFileInfo {
	cycle := tp.Cycle()
	if !isRetry {
		offset := tp.Offset()
		failTime -= offset.Milliseconds()
		recoverTime -= offset.Milliseconds()
	}
	start := s.engine.FormatMillis(failTime, cycle)
	end := s.engine.FormatMillis(recoverTime, cycle)
	level.Debug(s.logger).Log("msg", "scan window", "task_id", tp.TaskID, "start", start, "end", end)

	return s.scanBetween(tp, originPattern, failTime, recoverTime)
}

func (s *Scanner) scanBetween(tp *profile.Task, originPattern string, startMillis, endMillis int64) []BasicFileInfo {
	cycle := tp.Cycle()
	excludes := tp.Excludes()
	var infos []BasicFileInfo
	region := s.engine.DateRegion(time.UnixMilli(startMillis), time.UnixMilli(endMillis), cycle)
	for _, t := range region {
		expanded := s.engine.Render(originPattern, t)
		layers, err := pattern.Split(expanded)
		if err != nil {
			level.Warn(s.logger).Log("msg", "skipping unsplittable pattern", "pattern", expanded, "err", err)
			continue
		}
		dataTime := t.Format(cycle.Layout())
		for _, path := range s.walk(layers, excludes, tp.FileMaxNum) {
			infos = append(infos, BasicFileInfo{Path: path, DataTime: dataTime})
		}
	}
	return infos
}

// walk collects files under layers.Root whose paths match the pattern's
// file expression, up to maxFileNum, ordered by mtime ascending.
func (s *Scanner) walk(layers pattern.Layers, excludes []string, maxFileNum int) []string {
	root, err := os.Stat(layers.Root)
	if err != nil || !root.IsDir() {
		// A missing static root is not an error: the directory may simply
		// not have been created for this cycle yet.
		return nil
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var found []candidate
	rootDepth := pathDepth(layers.Root)

	walkErr := filepath.WalkDir(layers.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			level.Warn(s.logger).Log("msg", "skipping unreadable subtree", "path", path, "err", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if pathDepth(path)-rootDepth >= MaxScanDepth {
				return fs.SkipDir
			}
			if path != layers.Root && !dirAdmissible(layers, path) {
				return fs.SkipDir
			}
			return nil
		}
		if !pattern.MatchFull(layers.FileRegex, path) {
			return nil
		}
		if excluded(excludes, path) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, candidate{path: path, modTime: fi.ModTime()})
		if len(found) >= maxFileNum {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		level.Warn(s.logger).Log("msg", "walk aborted", "root", layers.Root, "err", walkErr)
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].modTime.Before(found[j].modTime) })
	paths := make([]string, 0, len(found))
	for _, c := range found {
		paths = append(paths, c.path)
	}
	return paths
}

// dirAdmissible reports whether the walk may descend into dir: the
// directory matches the intermediate layer, lies below a directory that
// does, or the pattern has a single dynamic segment whose wildcard can
// span directories, so any directory below the root may hold a match.
func dirAdmissible(layers pattern.Layers, dir string) bool {
	if pattern.MatchFull(layers.DirRegex, dir) {
		return true
	}
	// A partial (prefix) match means a deeper descendant can still match.
	if layers.DirRegex.MatchString(dir) {
		return true
	}
	// With a single dynamic segment the intermediate layer is the file
	// expression itself, which no directory path matches on its own.
	if layers.DirExpr == layers.FileExpr && strings.Contains(layers.FileExpr, ".*") {
		return true
	}
	return false
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
	return strings.Count(filepath.ToSlash(filepath.Clean(p)), "/")
}
