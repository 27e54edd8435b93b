package conflict

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cartsync/cartsync/internal/core/models"
)

// Policy is a compiled conflict-resolution rule. The expression sees two
// variables, `local` and `remote` (the conflicting field maps), and must
// evaluate to one of "local", "remote" or "merge". Example:
//
//	remote.updated_at > local.updated_at ? "remote" : "local"
//
// A "merge" outcome overlays local fields onto the remote value, so local
// edits win field-wise while remote-only fields survive.
type Policy struct {
	rule    string
	program *vm.Program
}

func NewPolicy(rule string) (*Policy, error) {
	program, err := expr.Compile(rule, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile conflict policy: %w", err)
	}
	return &Policy{rule: rule, program: program}, nil
}

// Callback adapts the policy to the resolution callback contract.
func (p *Policy) Callback() Callback {
	return func(_ context.Context, local, remote models.Fields) (Resolution, models.Fields, error) {
		env := map[string]any{
			"local":  map[string]any(local),
			"remote": map[string]any(remote),
		}
		out, err := expr.Run(p.program, env)
		if err != nil {
			return LocalWins, nil, fmt.Errorf("evaluate conflict policy: %w", err)
		}
		choice, ok := out.(string)
		if !ok {
			return LocalWins, nil, fmt.Errorf("conflict policy %q returned %T, want string", p.rule, out)
		}
		switch choice {
		case "local":
			return LocalWins, nil, nil
		case "remote":
			return RemoteWins, nil, nil
		case "merge":
			return Merged, remote.Merge(local), nil
		default:
			return LocalWins, nil, fmt.Errorf("conflict policy returned %q, want local, remote or merge", choice)
		}
	}
}
