package collector

import (
	"errors"
	"time"

	"github.com/verte-zerg/keyheat/internal/model"
)

// ErrSessionClosed is returned when an event is applied to a closed session.
var ErrSessionClosed = errors.New("collector: session closed")

// Phase is the lifecycle stage of a Session.
type Phase int

// Session phases.
const (
	PhaseOpen Phase = iota
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseActive:
		return "active"
	default:
		return "closed"
	}
}

// Session is the live aggregate of one collection run. It has a single
// writer; readers take value copies through Snapshot.
type Session struct {
	data   model.SessionData
	opened time.Time
	phase  Phase
	retain bool
}

// OpenSession starts an empty session.
func OpenSession(id, deviceID string, at time.Time, retainEvents bool) *Session {
	return &Session{
		data: model.SessionData{
			SessionID:      id,
			DeviceID:       deviceID,
			Status:         model.StatusActive,
			KeypressCounts: map[model.Coord]int{},
		},
		opened: at,
		phase:  PhaseOpen,
		retain: retainEvents,
	}
}

// Phase returns the lifecycle stage.
func (s *Session) Phase() Phase {
	return s.phase
}

// Apply folds one event into the aggregate and reports whether it was counted.
// Only presses are counted; releases are tallied separately.
func (s *Session) Apply(ev model.KeyEvent, at time.Time) (bool, error) {
	if s.phase == PhaseClosed {
		return false, ErrSessionClosed
	}
	if s.data.StartTime.IsZero() {
		s.data.StartTime = at
	}
	s.phase = PhaseActive
	end := at
	s.data.EndTime = &end
	if s.retain {
		s.data.Events = append(s.data.Events, ev)
	}
	if ev.Transition != model.Pressed {
		s.data.ReleasedEvents++
		return false, nil
	}
	s.data.KeypressCounts[ev.Coord()]++
	s.data.TotalKeypresses++
	return true, nil
}

// Skip records a line that carried no event.
func (s *Session) Skip() {
	s.data.SkippedLines++
}

// Reconnected records a successful reconnection.
func (s *Session) Reconnected() {
	s.data.Reconnects++
}

// Total returns the running keypress total.
func (s *Session) Total() int {
	return s.data.TotalKeypresses
}

// Snapshot returns an independent copy of the current aggregate.
func (s *Session) Snapshot() model.SessionData {
	return s.data.Clone()
}

// Close sets the final status and end time and returns the final state.
// Closing twice returns the first final state.
func (s *Session) Close(status model.Status, at time.Time) model.SessionData {
	if s.phase != PhaseClosed {
		if s.data.StartTime.IsZero() {
			s.data.StartTime = s.opened
		}
		if at.Before(s.data.StartTime) {
			at = s.data.StartTime
		}
		s.data.EndTime = &at
		s.data.Status = status
		s.phase = PhaseClosed
	}
	return s.data.Clone()
}
