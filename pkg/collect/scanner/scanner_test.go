package scanner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loghive/agent/pkg/collect/pattern"
	"github.com/loghive/agent/pkg/collect/profile"
	"github.com/loghive/agent/pkg/util"
)

var engine = pattern.NewEngine(nil)

func testProfile(patterns string, maxNum int) *profile.Task {
	return &profile.Task{
		TaskID:                "t1",
		Source:                "file",
		Sink:                  "proxy",
		Channel:               "memory",
		GroupID:               "g1",
		StreamID:              "s1",
		CycleUnit:             "h",
		FileDirFilterPatterns: patterns,
		TimeOffset:            "0h",
		FileMaxNum:            maxNum,
	}
}

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o640))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func TestScanWindow(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	tp := testProfile(origin, 100)
	s := New(util.TestLogger(t), engine)

	now := time.Now()
	thisHour := engine.Render(origin, now)
	lastHour := engine.Render(origin, now.Add(-time.Hour))
	writeFile(t, filepath.Join(filepath.Dir(thisHour), "a.log"), time.Time{})
	writeFile(t, filepath.Join(filepath.Dir(lastHour), "b.log"), time.Time{})
	// Outside the window.
	old := engine.Render(origin, now.Add(-5*time.Hour))
	writeFile(t, filepath.Join(filepath.Dir(old), "c.log"), time.Time{})

	infos := s.ScanTaskBetweenTimes(tp, origin, now.Add(-time.Hour).UnixMilli(), now.UnixMilli(), false)
	require.Len(t, infos, 2)

	byName := map[string]string{}
	for _, info := range infos {
		byName[filepath.Base(info.Path)] = info.DataTime
	}
	require.Equal(t, pattern.Hour.Truncate(now.In(engine.Location())).Format(pattern.Hour.Layout()), byName["a.log"])
	require.Contains(t, byName, "b.log")
	require.NotContains(t, byName, "c.log")
}

func TestScanCapsResultCount(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	tp := testProfile(origin, 2)
	s := New(util.TestLogger(t), engine)

	now := time.Now()
	dir := filepath.Dir(engine.Render(origin, now))
	for _, name := range []string{"a.log", "b.log", "c.log"} {
		writeFile(t, filepath.Join(dir, name), time.Time{})
	}

	infos := s.ScanTaskBetweenTimes(tp, origin, now.UnixMilli(), now.UnixMilli(), true)
	require.Len(t, infos, 2)
}

func TestScanOrdersByModTime(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	tp := testProfile(origin, 100)
	s := New(util.TestLogger(t), engine)

	now := time.Now()
	dir := filepath.Dir(engine.Render(origin, now))
	writeFile(t, filepath.Join(dir, "newest.log"), now)
	writeFile(t, filepath.Join(dir, "oldest.log"), now.Add(-2*time.Hour))
	writeFile(t, filepath.Join(dir, "middle.log"), now.Add(-time.Hour))

	infos := s.ScanTaskBetweenTimes(tp, origin, now.UnixMilli(), now.UnixMilli(), true)
	require.Len(t, infos, 3)
	require.Equal(t, "oldest.log", filepath.Base(infos[0].Path))
	require.Equal(t, "middle.log", filepath.Base(infos[1].Path))
	require.Equal(t, "newest.log", filepath.Base(infos[2].Path))
}

func TestScanDepthBound(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	tp := testProfile(origin, 100)
	s := New(util.TestLogger(t), engine)

	now := time.Now()
	dir := filepath.Dir(engine.Render(origin, now))
	writeFile(t, filepath.Join(dir, "shallow.log"), time.Time{})
	writeFile(t, filepath.Join(dir, "s1", "nested.log"), time.Time{})
	writeFile(t, filepath.Join(dir, "s1", "s2", "s3", "s4", "deep.log"), time.Time{})

	infos := s.ScanTaskBetweenTimes(tp, origin, now.UnixMilli(), now.UnixMilli(), true)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, filepath.Base(info.Path))
	}
	require.Contains(t, names, "shallow.log")
	require.Contains(t, names, "nested.log")
	require.NotContains(t, names, "deep.log")
}

func TestScanMissingRootIsEmpty(t *testing.T) {
	origin := "/definitely/not/here/YYYYMMDDHH/*.log"
	tp := testProfile(origin, 100)
	s := New(util.TestLogger(t), engine)

	now := time.Now()
	infos := s.ScanTaskBetweenTimes(tp, origin, now.UnixMilli(), now.UnixMilli(), true)
	require.Empty(t, infos)
}

func TestScanExcludes(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	tp := testProfile(origin, 100)
	tp.FileDirExcludePatterns = filepath.Join(root, "**", "skip*.log")
	s := New(util.TestLogger(t), engine)

	now := time.Now()
	dir := filepath.Dir(engine.Render(origin, now))
	writeFile(t, filepath.Join(dir, "keep.log"), time.Time{})
	writeFile(t, filepath.Join(dir, "skipme.log"), time.Time{})

	infos := s.ScanTaskBetweenTimes(tp, origin, now.UnixMilli(), now.UnixMilli(), true)
	require.Len(t, infos, 1)
	require.Equal(t, "keep.log", filepath.Base(infos[0].Path))
}
