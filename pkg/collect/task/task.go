// Package task implements the file-collection task: the per-task core loop
// that discovers files through filesystem watches and periodic scans,
// buffers them in a time-gated event map, and hands them to the instance
// manager once their data time is due.
package task

import (
	"context"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/loghive/agent/pkg/collect/instance"
	"github.com/loghive/agent/pkg/collect/pattern"
	"github.com/loghive/agent/pkg/collect/profile"
	"github.com/loghive/agent/pkg/collect/scanner"
	"github.com/loghive/agent/pkg/collect/watcher"
)

const (
	// dayTimeoutInterval bounds how far a data time may sit from the
	// clock before the file is rejected or its bucket aged out.
	dayTimeoutInterval = 2 * 24 * time.Hour
	// coreThreadSleepTime is the core loop tick and the queue-full
	// backoff. The loop sleeps nowhere else.
	coreThreadSleepTime = time.Second
	// coreThreadMaxGapTime is how stale the loop heartbeat may be before
	// the destructor treats the loop as stuck and proceeds.
	coreThreadMaxGapTime = time.Minute
	// scanInterval is how often the periodic scan compensates for watch
	// gaps in normal mode.
	scanInterval = time.Minute
)

// Config wires a FileCollectTask to its collaborators.
type Config struct {
	Profile         *profile.Task
	InstanceManager instance.Manager
	TaskManager     Manager

	Logger     log.Logger
	Registerer prometheus.Registerer

	// Engine renders date patterns; nil uses the default time zone.
	Engine *pattern.Engine
	// Now and Sleep are the task's clock; nil uses the real one.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// FileCollectTask discovers files for one task profile. Its mutable state
// is confined to the Run goroutine; Stop cooperates with the loop through
// the running flag and heartbeat.
type FileCollectTask struct {
	logger  log.Logger
	profile *profile.Task
	mgr     instance.Manager
	taskMgr Manager
	engine  *pattern.Engine
	scanner *scanner.Scanner
	metrics *metrics
	now     func() time.Time
	sleep   func(time.Duration)

	state     atomic.Int32
	running   atomic.Bool
	heartbeat atomic.Int64 // epoch millis of the loop's last wakeup

	initOK         bool
	retry          bool
	startTime      int64
	endTime        int64
	originPatterns []string
	watchers       map[string]*watcher.Entity
	watchFailed    map[string]struct{}
	events         *eventMap
	lastScanTime   int64
	ranOnce        bool
}

// New builds and initialises a task. An invalid profile is logged and
// leaves the task idle: Run becomes a heartbeat-only loop until Stop.
func New(cfg Config) *FileCollectTask {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	engine := cfg.Engine
	if engine == nil {
		engine = pattern.NewEngine(nil)
	}
	t := &FileCollectTask{
		logger:      log.With(logger, "component", "collect_task"),
		profile:     cfg.Profile,
		mgr:         cfg.InstanceManager,
		taskMgr:     cfg.TaskManager,
		engine:      engine,
		scanner:     scanner.New(logger, engine),
		now:         cfg.Now,
		sleep:       cfg.Sleep,
		watchers:    map[string]*watcher.Entity{},
		watchFailed: map[string]struct{}{},
		events:      newEventMap(),
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.sleep == nil {
		t.sleep = time.Sleep
	}
	t.state.Store(int32(StateNew))
	t.init(cfg)
	return t
}

func (t *FileCollectTask) init(cfg Config) {
	p := t.profile
	if p == nil {
		level.Error(t.logger).Log("msg", "task profile missing")
		return
	}
	t.logger = log.With(t.logger, "task_id", p.TaskID)
	if err := p.Validate(); err != nil {
		level.Error(t.logger).Log("msg", "task profile invalid", "err", err)
		return
	}
	t.metrics = newMetrics(cfg.Registerer, p.TaskID)
	t.retry = p.Retry
	t.originPatterns = p.Patterns()
	if t.mgr != nil {
		if err := t.mgr.Start(); err != nil {
			level.Error(t.logger).Log("msg", "starting instance manager failed", "err", err)
		}
	}
	if t.retry {
		t.startTime, t.endTime = p.StartTime, p.EndTime
	} else {
		for _, origin := range t.originPatterns {
			t.addPathPattern(origin)
		}
	}
	t.initOK = true
}

// TaskID returns the profile's task id, or "" for an uninitialised task.
func (t *FileCollectTask) TaskID() string {
	if t.profile == nil {
		return ""
	}
	return t.profile.TaskID
}

// Profile returns the task profile.
func (t *FileCollectTask) Profile() *profile.Task { return t.profile }

// State returns the current lifecycle state.
func (t *FileCollectTask) State() State { return State(t.state.Load()) }

func (t *FileCollectTask) changeState(s State) {
	if t.State().Terminal() {
		return
	}
	t.state.Store(int32(s))
}

// addPathPattern creates the watch entity for one pattern. Failures park
// the pattern in watchFailed; the loop retries every iteration.
func (t *FileCollectTask) addPathPattern(origin string) {
	e, err := watcher.New(t.logger, watcher.Options{
		OriginPattern: origin,
		CycleUnit:     t.profile.Cycle(),
		TimeOffset:    t.profile.Offset(),
		Excludes:      t.profile.Excludes(),
		OnRebuild:     func() { t.metrics.watchRebuilds.Inc() },
	})
	if err != nil {
		t.watchFailed[origin] = struct{}{}
		t.metrics.failedPatterns.Set(float64(len(t.watchFailed)))
		switch {
		case os.IsNotExist(err):
			level.Warn(t.logger).Log("msg", "watch root does not exist yet", "pattern", origin, "err", err)
		case watcher.IsTooManyOpenFiles(err):
			level.Error(t.logger).Log("msg", "cannot watch pattern: too many open files", "pattern", origin)
		default:
			level.Error(t.logger).Log("msg", "cannot watch pattern", "pattern", origin, "err", err)
		}
		return
	}
	t.watchers[origin] = e
	delete(t.watchFailed, origin)
	t.metrics.failedPatterns.Set(float64(len(t.watchFailed)))
	level.Info(t.logger).Log("msg", "watching pattern", "pattern", origin, "root", e.Root(), "directories", e.TotalPathSize())
}

// Run is the core loop: one iteration per second until a terminal state.
// Cancelling ctx transitions the task to succeeded at the next tick.
func (t *FileCollectTask) Run(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)
	for !t.State().Terminal() {
		t.heartbeat.Store(t.now().UnixMilli())
		t.sleep(coreThreadSleepTime)
		if ctx.Err() != nil {
			t.changeState(StateSucceeded)
			break
		}
		if !t.initOK {
			continue
		}
		if t.State() == StateNew {
			t.changeState(StateRunning)
		}
		if t.retry {
			t.runForRetry()
		} else {
			t.runForNormal()
		}
	}
}

func (t *FileCollectTask) runForNormal() {
	nowMillis := t.now().UnixMilli()
	if nowMillis-t.lastScanTime > scanInterval.Milliseconds() {
		t.scanExistingFiles(nowMillis-2*t.profile.Cycle().Approx().Milliseconds(), nowMillis)
		t.lastScanTime = nowMillis
	}
	for origin := range snapshot(t.watchFailed) {
		t.addPathPattern(origin)
	}
	t.runForWatching()
	t.dealWithEventMap()
}

func (t *FileCollectTask) runForRetry() {
	if !t.ranOnce {
		t.scanExistingFiles(t.startTime, t.endTime)
		t.dealWithEventMap()
		t.ranOnce = true
	}
	if t.mgr.AllInstancesFinished() {
		level.Info(t.logger).Log("msg", "retry task finished, reporting to task manager")
		if t.taskMgr != nil {
			t.taskMgr.SubmitAction(Action{Type: ActionFinish, Profile: t.profile})
		}
		t.changeState(StateSucceeded)
	}
}

func (t *FileCollectTask) scanExistingFiles(startMillis, endMillis int64) {
	for _, origin := range t.originPatterns {
		infos := t.scanner.ScanTaskBetweenTimes(t.profile, origin, startMillis, endMillis, t.retry)
		level.Debug(t.logger).Log("msg", "scan finished", "pattern", origin, "files", len(infos))
		for _, info := range infos {
			if t.addToEventMap(info.Path, info.DataTime) {
				t.metrics.scannedFiles.Inc()
			}
		}
	}
}

func (t *FileCollectTask) runForWatching() {
	dirs := 0
	for _, e := range t.watchers {
		overflows := e.DrainEvents(func(path string) { t.handleFilePath(path, e) })
		if overflows > 0 {
			t.metrics.overflowEvents.Add(float64(overflows))
		}
		dirs += e.TotalPathSize()
	}
	t.metrics.watchedDirs.Set(float64(dirs))
}

// handleFilePath processes one file reported by a watch entity.
func (t *FileCollectTask) handleFilePath(path string, e *watcher.Entity) {
	dataTime := t.engine.ExtractDataTime(path, e.OriginPattern())
	if !t.checkFileNameForTime(path, e) {
		level.Error(t.logger).Log("msg", "file data time out of range", "path", path, "data_time", dataTime)
		return
	}
	if t.addToEventMap(path, dataTime) {
		t.metrics.watchedFiles.Inc()
	}
}

// checkFileNameForTime validates the extracted data time against the
// timeout window under the task's offset. Patterns without a date token
// accept every file.
func (t *FileCollectTask) checkFileNameForTime(path string, e *watcher.Entity) bool {
	if pattern.LongestDatePattern(e.OriginPattern()) == "" {
		return true
	}
	dataTime := t.engine.ExtractDataTime(path, e.OriginPattern())
	return t.engine.ValidForCycle(dataTime, t.now(), e.TimeOffset(), dayTimeoutInterval)
}

// addToEventMap buffers one discovered file, gated by the event map's
// duplicate check and the instance manager's re-offer policy.
func (t *FileCollectTask) addToEventMap(path, dataTime string) bool {
	if t.events.contains(dataTime, path) {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		level.Warn(t.logger).Log("msg", "discovered file vanished before stat", "path", path, "err", err)
		return false
	}
	if !t.mgr.ShouldAddAgain(path, fi.ModTime()) {
		return false
	}
	p := t.profile.Instance(path, dataTime, fi.ModTime(), t.now())
	if !t.events.offer(dataTime, p) {
		return false
	}
	level.Debug(t.logger).Log("msg", "buffered file", "path", path, "data_time", dataTime)
	return true
}

func (t *FileCollectTask) dealWithEventMap() {
	now := t.now()
	for _, dataTime := range t.events.ageOut(t.engine, now, dayTimeoutInterval, t.retry) {
		level.Warn(t.logger).Log("msg", "dropped stale event bucket", "data_time", dataTime)
	}
	t.events.releaseDue(t.engine, now, t.profile.Cycle(), t.profile.Offset(), t.submit, t.sleep)
	t.metrics.eventMapSize.Set(float64(t.events.size()))
}

func (t *FileCollectTask) submit(p *profile.Instance) bool {
	ok := t.mgr.SubmitAction(instance.Action{Type: instance.ActionAdd, Profile: p})
	if !ok {
		t.metrics.queueFull.Inc()
		level.Error(t.logger).Log("msg", "instance action queue is full", "instance_id", p.InstanceID)
		return false
	}
	t.metrics.submitted.Inc()
	level.Info(t.logger).Log("msg", "submitted instance", "instance_id", p.InstanceID, "data_time", p.DataTime)
	return true
}

// Stop transitions the task to succeeded, stops the instance manager and
// releases the watch services once the loop has quiesced. If the loop's
// heartbeat is stale beyond coreThreadMaxGapTime the loop is presumed
// stuck and the watch services are closed anyway.
func (t *FileCollectTask) Stop() {
	t.changeState(StateSucceeded)
	if t.mgr != nil {
		t.mgr.Stop()
	}
	t.releaseWatchers()
}

func (t *FileCollectTask) releaseWatchers() {
	for t.running.Load() {
		if t.now().UnixMilli()-t.heartbeat.Load() > coreThreadMaxGapTime.Milliseconds() {
			level.Error(t.logger).Log("msg", "core loop heartbeat stale, closing watchers anyway")
			break
		}
		t.sleep(coreThreadSleepTime)
	}
	var errs error
	for _, e := range t.watchers {
		if err := e.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		level.Error(t.logger).Log("msg", "closing watch services failed", "err", errs)
	}
}

func snapshot(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}
