package orchestrator

import (
	"strings"
	"sync"
)

// StageStatus is the lifecycle of one tracked step. Statuses transition
// strictly pending -> running -> done|error in stage index order.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageDone    StageStatus = "done"
	StageError   StageStatus = "error"
)

// Stage is one tracked step of a multi-step operation.
type Stage struct {
	Label  string      `json:"label"`
	Status StageStatus `json:"status"`
}

// Snapshot is an immutable copy of the progress record. Concurrent pollers
// never observe a partially updated structure.
type Snapshot struct {
	Active bool    `json:"active"`
	Stages []Stage `json:"stages"`
	Log    string  `json:"log"`
	Done   bool    `json:"done"`
	Ok     bool    `json:"ok"`
}

// Tracker is the process-wide multi-stage operation status record.
type Tracker struct {
	mu     sync.Mutex
	active bool
	stages []Stage
	log    strings.Builder
	done   bool
	ok     bool
}

// NewTracker returns a Tracker in the terminal idle state.
func NewTracker() *Tracker {
	return &Tracker{done: true, ok: true}
}

// Reset atomically replaces the stage list and clears log, done and ok at
// the start of a new operation.
func (t *Tracker) Reset(labels []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = true
	t.done = false
	t.ok = true
	t.log.Reset()
	t.stages = make([]Stage, len(labels))
	for i, label := range labels {
		t.stages[i] = Stage{Label: label, Status: StagePending}
	}
}

// SetStage updates one stage's status and optionally appends a log line.
// An out-of-range index is ignored; the log line is still recorded.
func (t *Tracker) SetStage(idx int, status StageStatus, logLine string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= 0 && idx < len(t.stages) {
		t.stages[idx].Status = status
	}
	if logLine != "" {
		t.log.WriteString(logLine)
		t.log.WriteByte('\n')
	}
}

// Append adds a line to the operation log without touching any stage, so
// streamed command output becomes visible before the command finishes.
func (t *Tracker) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.log.WriteString(line)
	t.log.WriteByte('\n')
}

// Finish closes the record terminally.
func (t *Tracker) Finish(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done = true
	t.active = false
	t.ok = ok
}

// Snapshot returns an immutable copy of the record.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	stages := make([]Stage, len(t.stages))
	copy(stages, t.stages)
	return Snapshot{
		Active: t.active,
		Stages: stages,
		Log:    t.log.String(),
		Done:   t.done,
		Ok:     t.ok,
	}
}
