// Package profile holds the schema-typed task and instance descriptors
// consumed by the file-collection core. User-defined keys that have no
// schema field travel in the Extensions property bag.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/loghive/agent/pkg/collect/pattern"
)

// DefaultFileMaxNum caps how many files a scan collects for one pattern in
// one cycle when the profile does not say otherwise.
const DefaultFileMaxNum = 4096

// Task describes one collection task.
type Task struct {
	TaskID    string `yaml:"task_id"`
	Source    string `yaml:"source"`
	Sink      string `yaml:"sink"`
	Channel   string `yaml:"channel"`
	GroupID   string `yaml:"group_id"`
	StreamID  string `yaml:"stream_id"`
	CycleUnit string `yaml:"cycle_unit"`

	// FileDirFilterPatterns is the comma-separated list of date-templated
	// path patterns to collect. FileDirExcludePatterns optionally names
	// doublestar globs whose matches are dropped.
	FileDirFilterPatterns  string `yaml:"file_dir_filter_patterns"`
	FileDirExcludePatterns string `yaml:"file_dir_exclude_patterns"`

	TimeOffset string `yaml:"task_file_time_offset"`
	FileMaxNum int    `yaml:"file_max_num"`

	Retry     bool  `yaml:"task_retry"`
	StartTime int64 `yaml:"task_start_time"` // epoch millis, retry only
	EndTime   int64 `yaml:"task_end_time"`   // epoch millis, retry only

	Extensions map[string]string `yaml:"extensions"`
}

// UnmarshalYAML applies defaults before decoding.
func (t *Task) UnmarshalYAML(unmarshal func(interface{}) error) error {
	t.FileMaxNum = DefaultFileMaxNum
	type plain Task
	return unmarshal((*plain)(t))
}

var errRetryBounds = errors.New("retry task requires non-zero start and end times")

// Validate checks that every required key is present and that retry tasks
// carry both window bounds.
func (t *Task) Validate() error {
	required := []struct{ key, val string }{
		{"task_id", t.TaskID},
		{"source", t.Source},
		{"sink", t.Sink},
		{"channel", t.Channel},
		{"group_id", t.GroupID},
		{"stream_id", t.StreamID},
		{"cycle_unit", t.CycleUnit},
		{"file_dir_filter_patterns", t.FileDirFilterPatterns},
		{"task_file_time_offset", t.TimeOffset},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("task profile missing required key %q", r.key)
		}
	}
	if t.FileMaxNum <= 0 {
		return fmt.Errorf("task profile missing required key %q", "file_max_num")
	}
	if _, err := pattern.ParseCycleUnit(t.CycleUnit); err != nil {
		return err
	}
	if _, err := pattern.ParseOffset(t.TimeOffset); err != nil {
		return err
	}
	for _, p := range t.Patterns() {
		if err := pattern.ValidateTokens(p); err != nil {
			return fmt.Errorf("pattern %q: %w", p, err)
		}
	}
	if t.Retry && (t.StartTime == 0 || t.EndTime == 0) {
		return errRetryBounds
	}
	return nil
}

// Patterns returns the filter patterns as a list.
func (t *Task) Patterns() []string { return splitList(t.FileDirFilterPatterns) }

// Excludes returns the exclude globs as a list.
func (t *Task) Excludes() []string { return splitList(t.FileDirExcludePatterns) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Cycle returns the parsed cycle unit. Call only after Validate.
func (t *Task) Cycle() pattern.CycleUnit {
	c, _ := pattern.ParseCycleUnit(t.CycleUnit)
	return c
}

// Offset returns the parsed time offset. Call only after Validate.
func (t *Task) Offset() time.Duration {
	d, _ := pattern.ParseOffset(t.TimeOffset)
	return d
}

// Instance builds the downstream descriptor for one discovered file.
func (t *Task) Instance(path, dataTime string, fileUpdateTime, createdAt time.Time) *Instance {
	ext := make(map[string]string, len(t.Extensions))
	for k, v := range t.Extensions {
		ext[k] = v
	}
	return &Instance{
		TaskID:         t.TaskID,
		InstanceID:     path,
		GroupID:        t.GroupID,
		StreamID:       t.StreamID,
		Source:         t.Source,
		Sink:           t.Sink,
		Channel:        t.Channel,
		DataTime:       dataTime,
		FileUpdateTime: fileUpdateTime,
		CreatedAt:      createdAt,
		Extensions:     ext,
	}
}

// Instance describes a single file handed to the instance manager. The
// instance id is the absolute file path.
type Instance struct {
	TaskID     string `yaml:"task_id"`
	InstanceID string `yaml:"instance_id"`
	GroupID    string `yaml:"group_id"`
	StreamID   string `yaml:"stream_id"`
	Source     string `yaml:"source"`
	Sink       string `yaml:"sink"`
	Channel    string `yaml:"channel"`
	DataTime   string `yaml:"data_time"`

	FileUpdateTime time.Time `yaml:"file_update_time"`
	CreatedAt      time.Time `yaml:"created_at"`

	Extensions map[string]string `yaml:"extensions"`
}

// Less orders instances for submission: creation time ascending, ties
// broken by instance id.
func (p *Instance) Less(o *Instance) bool {
	if !p.CreatedAt.Equal(o.CreatedAt) {
		return p.CreatedAt.Before(o.CreatedAt)
	}
	return p.InstanceID < o.InstanceID
}

// SortInstances sorts in submission order.
func SortInstances(ps []*Instance) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
}
