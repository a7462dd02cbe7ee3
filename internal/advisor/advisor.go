// Package advisor defines the external proposal source consulted during
// reflection. An advisor looks at an execution report and suggests rule
// edits; callers treat it as best-effort and always validate what comes
// back before letting it near the world model.
package advisor

import (
	"context"
	"time"

	"github.com/galaxyeye/browser4agi/internal/patch"
	"github.com/galaxyeye/browser4agi/internal/rule"
	"github.com/galaxyeye/browser4agi/internal/trace"
)

// #region contract
// Request carries everything an advisor may reason over.
type Request struct {
	TaskID       string       `json:"task_id"`
	ModelVersion string       `json:"model_version"`
	Goal         string       `json:"goal,omitempty"`
	Report       trace.Report `json:"report"`
	Rules        []rule.Rule  `json:"rules"`
}

// Response is the advisor's suggested edit batch.
type Response struct {
	Edits     []patch.Edit `json:"edits"`
	Rationale string       `json:"rationale,omitempty"`
}

// Advisor proposes rule edits for a failed execution.
type Advisor interface {
	Propose(ctx context.Context, req Request) (Response, error)
}

// #endregion contract

// #region static
// Static is a canned advisor for tests and offline runs.
type Static struct {
	Response Response
	Err      error
	Delay    time.Duration
	calls    int
}

// Propose implements Advisor.
func (s *Static) Propose(ctx context.Context, _ Request) (Response, error) {
	s.calls++
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if s.Err != nil {
		return Response{}, s.Err
	}
	return s.Response, nil
}

// Calls returns how many times Propose ran.
func (s *Static) Calls() int { return s.calls }

// #endregion static
