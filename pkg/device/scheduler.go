// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"fmt"

	"github.com/evert-power/evertctl/pkg/mathx"
)

// Task names a periodic communication task.
type Task uint8

const (
	TaskAnnouncement Task = iota
	TaskData
	TaskStatus
	TaskPing
	numTasks
)

var taskNames = [numTasks]string{
	TaskAnnouncement: "announcement",
	TaskData:         "data",
	TaskStatus:       "status",
	TaskPing:         "ping",
}

func (t Task) String() string {
	if t < numTasks {
		return taskNames[t]
	}
	return fmt.Sprintf("Task(%d)", uint8(t))
}

// ParseTask looks a task up by name.
func ParseTask(name string) (Task, error) {
	for i, n := range taskNames {
		if n == name {
			return Task(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task %q", name)
}

// Tasks returns every task in firing order.
func Tasks() []Task {
	return []Task{TaskAnnouncement, TaskData, TaskStatus, TaskPing}
}

// Intervals holds the period of every task in milliseconds.
type Intervals struct {
	Announcement uint32 `yaml:"announcement_ms"`
	Data         uint32 `yaml:"data_ms"`
	Status       uint32 `yaml:"status_ms"`
	Ping         uint32 `yaml:"ping_ms"`
}

// DefaultIntervals returns the stock task periods.
func DefaultIntervals() Intervals {
	return Intervals{
		Announcement: 1000,
		Data:         100,
		Status:       100,
		Ping:         1000,
	}
}

// Get returns the interval of t.
func (iv Intervals) Get(t Task) uint32 {
	switch t {
	case TaskAnnouncement:
		return iv.Announcement
	case TaskData:
		return iv.Data
	case TaskStatus:
		return iv.Status
	case TaskPing:
		return iv.Ping
	}
	return 0
}

// Validate rejects zero periods.
func (iv Intervals) Validate() error {
	for _, t := range Tasks() {
		if iv.Get(t) == 0 {
			return fmt.Errorf("task %s: interval must be positive", t)
		}
	}
	return nil
}

type taskState struct {
	enabled  bool
	interval uint32
	counter  uint32
	handler  func()
}

// Scheduler runs the named periodic tasks from the device update.
type Scheduler struct {
	defaults Intervals
	tasks    [numTasks]taskState
}

// NewScheduler creates a scheduler with every task paused.
func NewScheduler(iv Intervals) *Scheduler {
	s := &Scheduler{defaults: iv}
	s.Init()
	return s
}

// Handle installs the callback of t. A nil fn makes the task a no-op.
func (s *Scheduler) Handle(t Task, fn func()) {
	if t < numTasks {
		s.tasks[t].handler = fn
	}
}

// Init pauses every task, zeroes the counters and restores the configured intervals.
// Handlers are kept.
func (s *Scheduler) Init() {
	for _, t := range Tasks() {
		ts := &s.tasks[t]
		ts.enabled = false
		ts.counter = 0
		ts.interval = s.defaults.Get(t)
	}
}

// Update advances every enabled task by delta milliseconds and fires those that are due.
func (s *Scheduler) Update(delta uint32) {
	for _, t := range Tasks() {
		ts := &s.tasks[t]
		if !ts.enabled {
			continue
		}
		ts.counter = mathx.SaturatingAdd(ts.counter, delta)
		if ts.counter >= ts.interval {
			s.fire(t)
		}
	}
}

func (s *Scheduler) fire(t Task) {
	ts := &s.tasks[t]
	ts.counter = 0
	if ts.handler != nil {
		ts.handler()
	}
}

// Pause disables t. Its counter keeps its value.
func (s *Scheduler) Pause(t Task) {
	if t < numTasks {
		s.tasks[t].enabled = false
	}
}

// Resume enables t.
func (s *Scheduler) Resume(t Task) {
	if t < numTasks {
		s.tasks[t].enabled = true
	}
}

// Enabled reports whether t is running.
func (s *Scheduler) Enabled(t Task) bool {
	return t < numTasks && s.tasks[t].enabled
}

// SetInterval changes the period of t. An enabled task whose counter already reached the
// new period fires immediately.
func (s *Scheduler) SetInterval(t Task, ms uint32) {
	if t >= numTasks {
		return
	}
	ts := &s.tasks[t]
	ts.interval = ms
	if ts.enabled && ts.counter >= ms {
		s.fire(t)
	}
}

// Interval returns the current period of t.
func (s *Scheduler) Interval(t Task) uint32 {
	if t >= numTasks {
		return 0
	}
	return s.tasks[t].interval
}

// DefaultInterval returns the configured period of t.
func (s *Scheduler) DefaultInterval(t Task) uint32 {
	return s.defaults.Get(t)
}
