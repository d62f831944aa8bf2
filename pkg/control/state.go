// Package control tracks the lifecycle of the chat service for health
// reporting and shutdown.
package control

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the lifecycle phase of the service.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseReady
	PhaseBusy
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseReady:
		return "ready"
	case PhaseBusy:
		return "busy"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// State tracks the runtime state of the service.
type State struct {
	phase     atomic.Int32
	startTime time.Time
	active    atomic.Int32

	mu       sync.RWMutex
	metadata map[string]string
}

// Status is a point-in-time snapshot of State.
type Status struct {
	Phase             Phase
	ActiveGenerations int32
	UptimeSeconds     int64
	Metadata          map[string]string
}

// NewState creates a new State in the starting phase.
func NewState() *State {
	s := &State{
		startTime: time.Now(),
		metadata:  make(map[string]string),
	}
	s.phase.Store(int32(PhaseStarting))
	return s
}

// SetReady transitions to the ready phase.
func (s *State) SetReady() {
	s.phase.Store(int32(PhaseReady))
}

// SetDraining transitions to the draining phase.
func (s *State) SetDraining() {
	s.phase.Store(int32(PhaseDraining))
}

// SetStopped transitions to the stopped phase.
func (s *State) SetStopped() {
	s.phase.Store(int32(PhaseStopped))
}

// BeginGeneration counts a generation in and marks the service busy if it
// was ready. Safe on a nil State.
func (s *State) BeginGeneration() {
	if s == nil {
		return
	}
	s.active.Add(1)
	s.phase.CompareAndSwap(int32(PhaseReady), int32(PhaseBusy))
}

// EndGeneration counts a generation out and returns to ready once none are
// left. Safe on a nil State.
func (s *State) EndGeneration() {
	if s == nil {
		return
	}
	if s.active.Add(-1) == 0 {
		s.phase.CompareAndSwap(int32(PhaseBusy), int32(PhaseReady))
	}
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// ActiveGenerations returns the number of generations in flight.
func (s *State) ActiveGenerations() int32 {
	return s.active.Load()
}

// Uptime returns seconds since start.
func (s *State) Uptime() int64 {
	return int64(time.Since(s.startTime).Seconds())
}

// SetMetadata sets a metadata key-value pair.
func (s *State) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Metadata returns a copy of the metadata map.
func (s *State) Metadata() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		result[k] = v
	}
	return result
}

// Snapshot returns the current status.
func (s *State) Snapshot() Status {
	return Status{
		Phase:             s.Phase(),
		ActiveGenerations: s.ActiveGenerations(),
		UptimeSeconds:     s.Uptime(),
		Metadata:          s.Metadata(),
	}
}
