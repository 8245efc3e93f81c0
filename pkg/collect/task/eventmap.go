package task

import (
	"time"

	"github.com/loghive/agent/pkg/collect/pattern"
	"github.com/loghive/agent/pkg/collect/profile"
)

// eventMap buffers discovered files keyed by data time until their cycle's
// should-start time arrives. It is confined to the task's core loop.
type eventMap struct {
	buckets map[string]map[string]*profile.Instance
}

func newEventMap() *eventMap {
	return &eventMap{buckets: map[string]map[string]*profile.Instance{}}
}

// contains reports whether the (dataTime, path) pair is buffered.
func (m *eventMap) contains(dataTime, path string) bool {
	bucket, ok := m.buckets[dataTime]
	if !ok {
		return false
	}
	_, ok = bucket[path]
	return ok
}

// offer inserts a new instance. It returns false when the pair is already
// buffered; re-offer gating against the instance manager is the caller's
// responsibility, before building the instance.
func (m *eventMap) offer(dataTime string, p *profile.Instance) bool {
	bucket, ok := m.buckets[dataTime]
	if !ok {
		bucket = map[string]*profile.Instance{}
		m.buckets[dataTime] = bucket
	}
	if _, ok := bucket[p.InstanceID]; ok {
		return false
	}
	bucket[p.InstanceID] = p
	return true
}

// size returns the number of buffered files across all buckets.
func (m *eventMap) size() int {
	n := 0
	for _, bucket := range m.buckets {
		n += len(bucket)
	}
	return n
}

// releaseDue submits every bucket whose should-start time has arrived.
// Within a bucket, instances go out ordered by (createdAt, instanceID).
// submit returning false means the downstream queue is full: the releaser
// yields via sleep and retries the same instance, providing back-pressure
// without touching other buckets. An entry is removed only after its
// submission succeeded.
func (m *eventMap) releaseDue(engine *pattern.Engine, now time.Time, cycle pattern.CycleUnit, offset time.Duration, submit func(*profile.Instance) bool, sleep func(time.Duration)) {
	currentTime := engine.CurrentTime(now)
	for dataTime, bucket := range m.buckets {
		if len(bucket) == 0 {
			delete(m.buckets, dataTime)
			continue
		}
		if currentTime < engine.ShouldStartTime(dataTime, cycle, offset) {
			continue
		}
		ordered := make([]*profile.Instance, 0, len(bucket))
		for _, p := range bucket {
			ordered = append(ordered, p)
		}
		profile.SortInstances(ordered)
		for _, p := range ordered {
			for !submit(p) {
				sleep(coreThreadSleepTime)
			}
			delete(bucket, p.InstanceID)
		}
		delete(m.buckets, dataTime)
	}
}

// ageOut drops buckets whose data time left the ±horizon window around
// now. Retry tasks never age out.
func (m *eventMap) ageOut(engine *pattern.Engine, now time.Time, horizon time.Duration, isRetry bool) []string {
	if isRetry {
		return nil
	}
	var dropped []string
	for dataTime := range m.buckets {
		if dataTime == "" {
			continue
		}
		if !engine.ValidInWindow(dataTime, now, horizon) {
			delete(m.buckets, dataTime)
			dropped = append(dropped, dataTime)
		}
	}
	return dropped
}
