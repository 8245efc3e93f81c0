package instance

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/loghive/agent/pkg/collect/profile"
	"github.com/loghive/agent/pkg/collect/registry"
)

// Handler consumes one accepted instance. The default manager calls it from
// a single worker goroutine, in submission order.
type Handler func(*profile.Instance) error

// QueueManager is the default Manager: a bounded action queue drained by
// one worker that records completed files in the task registry.
type QueueManager struct {
	logger  log.Logger
	taskID  string
	reg     *registry.Registry
	handler Handler

	queue   chan Action
	pending atomic.Int64
	quit    chan struct{}
	done    chan struct{}
}

// NewQueueManager builds a manager for one task. queueSize bounds how many
// actions may be outstanding; handler may be nil, in which case accepted
// instances are only recorded.
func NewQueueManager(logger log.Logger, taskID string, queueSize int, reg *registry.Registry, handler Handler) *QueueManager {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &QueueManager{
		logger:  log.With(logger, "component", "instance_manager", "task_id", taskID),
		taskID:  taskID,
		reg:     reg,
		handler: handler,
		queue:   make(chan Action, queueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// TaskID returns the owning task's id.
func (m *QueueManager) TaskID() string { return m.taskID }

// Start launches the worker.
func (m *QueueManager) Start() error {
	go m.run()
	return nil
}

// Stop drains nothing further and waits for the worker to exit.
func (m *QueueManager) Stop() {
	close(m.quit)
	<-m.done
}

// SubmitAction implements Manager.
func (m *QueueManager) SubmitAction(a Action) bool {
	select {
	case m.queue <- a:
		m.pending.Inc()
		return true
	default:
		return false
	}
}

// ShouldAddAgain implements Manager.
func (m *QueueManager) ShouldAddAgain(path string, modTime time.Time) bool {
	if m.reg == nil {
		return true
	}
	rec, ok := m.reg.Get(path)
	if !ok {
		return true
	}
	return modTime.UnixMilli() > rec.ModTimeMillis
}

// AllInstancesFinished implements Manager.
func (m *QueueManager) AllInstancesFinished() bool {
	return m.pending.Load() == 0
}

func (m *QueueManager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case a := <-m.queue:
			m.handle(a)
			m.pending.Dec()
		}
	}
}

func (m *QueueManager) handle(a Action) {
	p := a.Profile
	switch a.Type {
	case ActionAdd:
		if m.handler != nil {
			if err := m.handler(p); err != nil {
				level.Error(m.logger).Log("msg", "instance handler failed", "instance_id", p.InstanceID, "err", err)
				return
			}
		}
		if m.reg != nil {
			m.reg.Put(p.InstanceID, registry.Record{
				ModTimeMillis: p.FileUpdateTime.UnixMilli(),
				DataTime:      p.DataTime,
			})
		}
		level.Debug(m.logger).Log("msg", "instance added", "instance_id", p.InstanceID, "data_time", p.DataTime)
	case ActionDelete:
		if m.reg != nil {
			m.reg.Remove(p.InstanceID)
		}
		level.Debug(m.logger).Log("msg", "instance deleted", "instance_id", p.InstanceID)
	}
}
