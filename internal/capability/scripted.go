package capability

import (
	"context"
	"sync"
	"time"

	"github.com/galaxyeye/browser4agi/internal/action"
)

// #region scripted
// Scripted is a deterministic capability for simulation and tests: action
// names listed in Failures fail, everything else succeeds with a fixed
// observation. Call counts are tracked per action name.
type Scripted struct {
	mu       sync.Mutex
	failures map[string]string // action name → failure reason
	calls    map[string]int
	delay    time.Duration
}

// NewScripted returns a scripted capability. failures maps action names to
// failure reasons; nil means everything succeeds.
func NewScripted(failures map[string]string) *Scripted {
	if failures == nil {
		failures = make(map[string]string)
	}
	return &Scripted{failures: failures, calls: make(map[string]int)}
}

// WithDelay makes every call sleep for d (or until ctx is done) before
// responding, for timeout tests.
func (s *Scripted) WithDelay(d time.Duration) *Scripted {
	s.delay = d
	return s
}

// Execute implements Capability.
func (s *Scripted) Execute(ctx context.Context, a action.Action) (Observation, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Observation{}, Failure("timed out: " + a.Name)
		}
	}
	if err := ctx.Err(); err != nil {
		return Observation{}, Failure("canceled: " + a.Name)
	}

	s.mu.Lock()
	s.calls[a.Name]++
	reason, fails := s.failures[a.Name]
	s.mu.Unlock()

	if fails {
		return Observation{}, Failure(reason)
	}
	return Observation{
		Kind:    "scripted",
		Payload: map[string]string{"action": a.Name},
		At:      time.Unix(0, 0).UTC(), // fixed timestamp keeps simulations reproducible
	}, nil
}

// Calls returns how many times the named action ran.
func (s *Scripted) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// #endregion scripted
