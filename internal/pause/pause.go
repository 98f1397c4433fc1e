// Package pause owns the pipeline-wide pause state. Anything may read it;
// only the holder of the Switch changes it.
package pause

import "sync"

// Reader is the read side handed to the scheduler and the control surface.
type Reader interface {
	Paused() bool
	State() (paused bool, reason string)
}

type Switch struct {
	mu     sync.RWMutex
	paused bool
	reason string
	notify []func(paused bool, reason string)
}

func New() *Switch { return &Switch{} }

// Pause marks the pipeline paused. The first reason is kept until Resume.
func (s *Switch) Pause(reason string) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.paused, s.reason = true, reason
	fns := s.notify
	s.mu.Unlock()
	for _, fn := range fns {
		fn(true, reason)
	}
}

// Resume clears the pause. It reports whether the pipeline was paused.
func (s *Switch) Resume() bool {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return false
	}
	s.paused, s.reason = false, ""
	fns := s.notify
	s.mu.Unlock()
	for _, fn := range fns {
		fn(false, "")
	}
	return true
}

func (s *Switch) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Switch) State() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused, s.reason
}

// OnChange registers fn to run after every transition.
func (s *Switch) OnChange(fn func(paused bool, reason string)) {
	s.mu.Lock()
	s.notify = append(s.notify, fn)
	s.mu.Unlock()
}
