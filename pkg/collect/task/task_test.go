package task

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loghive/agent/pkg/collect/instance"
	"github.com/loghive/agent/pkg/collect/pattern"
	"github.com/loghive/agent/pkg/collect/profile"
	"github.com/loghive/agent/pkg/util"
)

// fakeInstanceManager implements instance.Manager with the re-offer policy
// of the real one: a file is accepted again only when its mtime advanced.
type fakeInstanceManager struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	failures  int // SubmitAction calls to reject before accepting
	submitted []instance.Action
	seen      map[string]time.Time
	finished  bool
}

func newFakeInstanceManager() *fakeInstanceManager {
	return &fakeInstanceManager{seen: map[string]time.Time{}}
}

func (m *fakeInstanceManager) Start() error { m.started = true; return nil }
func (m *fakeInstanceManager) Stop()        { m.stopped = true }

func (m *fakeInstanceManager) SubmitAction(a instance.Action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return false
	}
	m.submitted = append(m.submitted, a)
	m.seen[a.Profile.InstanceID] = a.Profile.FileUpdateTime
	return true
}

func (m *fakeInstanceManager) ShouldAddAgain(path string, modTime time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.seen[path]
	if !ok {
		return true
	}
	return modTime.After(last)
}

func (m *fakeInstanceManager) AllInstancesFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func (m *fakeInstanceManager) submittedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.submitted))
	for _, a := range m.submitted {
		ids = append(ids, a.Profile.InstanceID)
	}
	return ids
}

type fakeTaskManager struct {
	mu      sync.Mutex
	actions []Action
}

func (m *fakeTaskManager) SubmitAction(a Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, a)
}

func (m *fakeTaskManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

func testTaskProfile(origin string) *profile.Task {
	return &profile.Task{
		TaskID:                "t1",
		Source:                "file",
		Sink:                  "proxy",
		Channel:               "memory",
		GroupID:               "g1",
		StreamID:              "s1",
		CycleUnit:             "h",
		FileDirFilterPatterns: origin,
		TimeOffset:            "0h",
		FileMaxNum:            100,
	}
}

func newTask(t *testing.T, tp *profile.Task, mgr instance.Manager, taskMgr Manager) *FileCollectTask {
	t.Helper()
	return New(Config{
		Profile:         tp,
		InstanceManager: mgr,
		TaskManager:     taskMgr,
		Logger:          util.TestLogger(t),
		Engine:          testEngine,
		Sleep:           func(time.Duration) {},
	})
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o640))
}

func TestInvalidProfileStaysIdle(t *testing.T) {
	mgr := newFakeInstanceManager()
	tk := newTask(t, &profile.Task{TaskID: "broken"}, mgr, nil)

	require.False(t, tk.initOK)
	require.False(t, mgr.started)
	require.Empty(t, tk.watchers)
	require.Equal(t, StateNew, tk.State())
}

func TestNormalModeScanSubmitsDueFile(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	mgr := newFakeInstanceManager()
	tk := newTask(t, testTaskProfile(origin), mgr, nil)
	defer tk.Stop()

	require.True(t, tk.initOK)
	require.True(t, mgr.started)
	require.Len(t, tk.watchers, 1)

	now := time.Now()
	dataTime := pattern.Hour.Truncate(now.In(testEngine.Location())).Format(pattern.Hour.Layout())
	file := filepath.Join(root, dataTime, "a.log")
	writeFile(t, file)

	// The first iteration scans immediately; the file's cycle already
	// started, so the bucket releases on the same tick.
	tk.runForNormal()
	require.Equal(t, []string{file}, mgr.submittedIDs())
	require.Equal(t, dataTime, mgr.submitted[0].Profile.DataTime)
	require.Equal(t, instance.ActionAdd, mgr.submitted[0].Type)

	// Re-running discovers the same file again but the instance manager's
	// re-offer gate keeps it from being submitted twice.
	tk.lastScanTime = 0
	tk.runForNormal()
	require.Equal(t, []string{file}, mgr.submittedIDs())
}

func TestNormalModeWatchSubmitsCreatedFile(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	mgr := newFakeInstanceManager()
	tk := newTask(t, testTaskProfile(origin), mgr, nil)
	defer tk.Stop()

	// Let the first scan pass over the empty tree, then rely on events.
	tk.runForNormal()
	require.Empty(t, mgr.submittedIDs())

	now := time.Now()
	dataTime := pattern.Hour.Truncate(now.In(testEngine.Location())).Format(pattern.Hour.Layout())
	dir := filepath.Join(root, dataTime)
	require.NoError(t, os.Mkdir(dir, 0o750))

	util.Eventually(t, func(t require.TestingT) {
		tk.runForWatching()
		require.Greater(t, tk.watchers[origin].TotalPathSize(), 1)
	})

	file := filepath.Join(dir, "a.log")
	writeFile(t, file)
	util.Eventually(t, func(t require.TestingT) {
		tk.runForNormal()
		require.Equal(t, []string{file}, mgr.submittedIDs())
	})
}

func TestWatchFailedPatternRetries(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "not-yet")
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	mgr := newFakeInstanceManager()
	tk := newTask(t, testTaskProfile(origin), mgr, nil)
	defer tk.Stop()

	require.True(t, tk.initOK)
	require.Empty(t, tk.watchers)
	require.Contains(t, tk.watchFailed, origin)

	// The loop keeps retrying; once the root appears the watch comes up.
	tk.runForNormal()
	require.Empty(t, tk.watchers)

	require.NoError(t, os.Mkdir(root, 0o750))
	tk.runForNormal()
	require.Len(t, tk.watchers, 1)
	require.Empty(t, tk.watchFailed)
}

func TestChecksFileNameForTime(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	mgr := newFakeInstanceManager()
	tk := newTask(t, testTaskProfile(origin), mgr, nil)
	defer tk.Stop()

	e := tk.watchers[origin]
	now := time.Now().In(testEngine.Location())
	fresh := filepath.Join(root, now.Format("2006010215"), "a.log")
	stale := filepath.Join(root, "2019010100", "a.log")

	require.True(t, tk.checkFileNameForTime(fresh, e))
	require.False(t, tk.checkFileNameForTime(stale, e))

	// A stale file reported by the watcher never reaches the event map.
	writeFile(t, stale)
	tk.handleFilePath(stale, e)
	require.Equal(t, 0, tk.events.size())
}

func TestRetryModeCollectsWindowAndFinishes(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH.log")

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, testEngine.Location())
	end := time.Date(2024, 1, 1, 2, 0, 0, 0, testEngine.Location())
	for h := 0; h <= 3; h++ {
		writeFile(t, testEngine.Render(origin, start.Add(time.Duration(h)*time.Hour)))
	}

	tp := testTaskProfile(origin)
	tp.Retry = true
	tp.StartTime = start.UnixMilli()
	tp.EndTime = end.UnixMilli()

	mgr := newFakeInstanceManager()
	taskMgr := &fakeTaskManager{}
	tk := newTask(t, tp, mgr, taskMgr)
	defer tk.Stop()

	require.True(t, tk.initOK)
	require.Empty(t, tk.watchers)

	tk.runForRetry()
	// Buckets release in map order, so only the set is guaranteed.
	require.ElementsMatch(t, []string{
		filepath.Join(root, "2024010100.log"),
		filepath.Join(root, "2024010101.log"),
		filepath.Join(root, "2024010102.log"),
	}, mgr.submittedIDs())
	require.Equal(t, 0, taskMgr.count())
	require.Equal(t, StateNew, tk.State())

	// Once every instance finished the task reports FINISH and succeeds.
	mgr.mu.Lock()
	mgr.finished = true
	mgr.mu.Unlock()
	tk.runForRetry()
	require.Equal(t, 1, taskMgr.count())
	require.Equal(t, ActionFinish, taskMgr.actions[0].Type)
	require.Equal(t, StateSucceeded, tk.State())
}

func TestQueueFullBackpressure(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	mgr := newFakeInstanceManager()
	mgr.failures = 3
	tk := newTask(t, testTaskProfile(origin), mgr, nil)
	defer tk.Stop()

	now := time.Now()
	dataTime := pattern.Hour.Truncate(now.In(testEngine.Location())).Format(pattern.Hour.Layout())
	file := filepath.Join(root, dataTime, "a.log")
	writeFile(t, file)

	tk.runForNormal()
	// Rejected three times, accepted on the fourth; submitted exactly once.
	require.Equal(t, []string{file}, mgr.submittedIDs())
}

func TestRunStopLifecycle(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	mgr := newFakeInstanceManager()
	tk := New(Config{
		Profile:         testTaskProfile(origin),
		InstanceManager: mgr,
		Logger:          util.TestLogger(t),
		Engine:          testEngine,
		Sleep:           func(time.Duration) { time.Sleep(time.Millisecond) },
	})

	done := make(chan struct{})
	go func() {
		tk.Run(context.Background())
		close(done)
	}()

	util.Eventually(t, func(t require.TestingT) {
		require.Equal(t, StateRunning, tk.State())
	})

	tk.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("core loop did not exit after Stop")
	}
	require.Equal(t, StateSucceeded, tk.State())
	require.True(t, mgr.stopped)
	require.False(t, tk.running.Load())
}

func TestRunHonoursContextCancel(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "YYYYMMDDHH", "*.log")
	mgr := newFakeInstanceManager()
	tk := New(Config{
		Profile:         testTaskProfile(origin),
		InstanceManager: mgr,
		Logger:          util.TestLogger(t),
		Engine:          testEngine,
		Sleep:           func(time.Duration) { time.Sleep(time.Millisecond) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tk.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("core loop did not exit after cancellation")
	}
	require.Equal(t, StateSucceeded, tk.State())
}
