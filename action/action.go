// Package action defines the process boundary to external action
// collaborators. The step executor hands an approved send/publish/post step
// to a Performer and treats any failure as a normal step failure; it knows
// nothing about SMTP, HTTP, or whatever transport sits behind the interface.
package action

import (
	"context"
	"fmt"
	"log/slog"
)

// Performer executes one externally visible action.
type Performer interface {
	// Perform carries out an action of the given kind. It returns a short
	// human-readable result on success.
	Perform(ctx context.Context, kind string, payload map[string]string) (string, error)
}

// LogPerformer is the default Performer: it records the action and reports
// success without touching any external system. Deployments swap in a real
// transport adapter.
type LogPerformer struct {
	Logger *slog.Logger
}

// Perform logs the action and succeeds.
func (p *LogPerformer) Perform(_ context.Context, kind string, payload map[string]string) (string, error) {
	if p.Logger != nil {
		p.Logger.Info("action performed", "kind", kind, "task", payload["task"])
	}
	return fmt.Sprintf("PERFORMED: %s action acknowledged", kind), nil
}

// FailPerformer always fails. Test double for failure-path coverage.
type FailPerformer struct {
	Err error
}

// Perform returns the configured error.
func (p *FailPerformer) Perform(context.Context, string, map[string]string) (string, error) {
	return "", p.Err
}
