package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/galaxyeye/browser4agi/internal/action"
)

// #region contract
// Observation is what a capability returns for one executed action.
type Observation struct {
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
	At      time.Time         `json:"at"`
}

// ErrActionFailure marks a capability-level execution failure. Failures are
// contained to the failing DAG branch by the engine.
var ErrActionFailure = errors.New("action failure")

// Failure builds an ErrActionFailure with a reason.
func Failure(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrActionFailure)
}

// Capability executes a single action. Implementations must tolerate
// concurrent calls and honor ctx cancellation.
type Capability interface {
	Execute(ctx context.Context, a action.Action) (Observation, error)
}

// #endregion contract

// #region registry
// Tool handles one namespace of dotted action names ("browser", "fs").
type Tool interface {
	Invoke(ctx context.Context, method string, params map[string]string) (Observation, error)
}

// Registry dispatches actions to tools by the prefix of the action name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry returns a registry with the given named tools.
func NewRegistry(tools map[string]Tool) *Registry {
	return &Registry{tools: tools}
}

// Execute splits "tool.method" and delegates to the registered tool.
func (r *Registry) Execute(ctx context.Context, a action.Action) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, Failure(fmt.Sprintf("action %s canceled: %v", a.Name, err))
	}
	name, method, ok := strings.Cut(a.Name, ".")
	if !ok {
		return Observation{}, Failure(fmt.Sprintf("malformed action name %q", a.Name))
	}
	tool, ok := r.tools[name]
	if !ok {
		return Observation{}, Failure(fmt.Sprintf("unknown tool %q", name))
	}
	return tool.Invoke(ctx, method, a.Params)
}

// #endregion registry
