// Package lifecycle owns the process state, the recurring pipeline schedule and shutdown signalling.
package lifecycle

import (
	"sync"
	"time"

	"github.com/Felixdiamond/growth-hub/internal/model"
)

// Process statuses reported by the liveness endpoint.
const (
	StatusHealthy      = "healthy"
	StatusShuttingDown = "shutting_down"
)

// State is the process-wide status shared by the scheduler, the dispatcher and the health endpoint.
type State struct {
	mu            sync.RWMutex
	status        string
	lastCheck     *time.Time
	lastRunTime   *time.Time
	lastRunStatus model.RunStatus
	nextRun       *time.Time
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	Status        string
	LastCheck     *time.Time
	LastRunTime   *time.Time
	LastRunStatus model.RunStatus
	NextRun       *time.Time
}

// NewState returns a healthy state with no runs recorded.
func NewState() *State {
	return &State{status: StatusHealthy, lastRunStatus: model.RunNever}
}

// BeginShutdown flips the status to shutting_down. It is irreversible.
func (s *State) BeginShutdown() {
	s.mu.Lock()
	s.status = StatusShuttingDown
	s.nextRun = nil
	s.mu.Unlock()
}

// ShuttingDown reports whether BeginShutdown has been called.
func (s *State) ShuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusShuttingDown
}

// SetLastCheck records the last successful feed poll.
func (s *State) SetLastCheck(t time.Time) {
	s.mu.Lock()
	s.lastCheck = timePtr(t)
	s.mu.Unlock()
}

// RecordRun stores the outcome of a finished run.
func (s *State) RecordRun(at time.Time, status model.RunStatus) {
	s.mu.Lock()
	s.lastRunTime = timePtr(at)
	s.lastRunStatus = status
	s.mu.Unlock()
}

// SetNextRun stores when the scheduler fires next.
func (s *State) SetNextRun(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusShuttingDown {
		return
	}
	s.nextRun = timePtr(t)
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Status:        s.status,
		LastCheck:     copyTime(s.lastCheck),
		LastRunTime:   copyTime(s.lastRunTime),
		LastRunStatus: s.lastRunStatus,
		NextRun:       copyTime(s.nextRun),
	}
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
