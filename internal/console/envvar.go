package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/tphummel/staging_kit/internal/confirm"
	"github.com/tphummel/staging_kit/internal/executor"
	"github.com/tphummel/staging_kit/internal/inspect"
	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/validate"
)

// ExitKeyword ends the environment editor at any prompt.
const ExitKeyword = "exit"

// EnvEditor is the part of a session the environment editor needs.
type EnvEditor interface {
	MachineEnv(ctx context.Context) (map[string]string, error)
	Submit(ctx context.Context, req *models.ChangeRequest, gate *confirm.Gate) (models.ChangeResult, error)
}

// EditEnv runs the interactive machine environment editor. Each round lists
// the variables, asks for a name and a new value, and submits the change
// through the confirmation gate. A declined change loops back. It returns
// nil when the user types the exit keyword or input ends.
func (c *Console) EditEnv(ctx context.Context, ed EnvEditor) error {
	for {
		env, err := ed.MachineEnv(ctx)
		if err != nil {
			return fmt.Errorf("list machine environment: %w", err)
		}
		c.printEnv(env)

		name, done, err := c.prompt(ctx, "Variable name (or 'exit'): ")
		if done || err != nil {
			return err
		}
		if name == "" {
			continue
		}
		canonical, _, ok := inspect.LookupEnv(env, name)
		if !ok {
			c.Error("Machine variable %q does not exist.", name)
			continue
		}

		value, done, err := c.prompt(ctx, fmt.Sprintf("New value for %s (or 'exit'): ", canonical))
		if done || err != nil {
			return err
		}

		req := &models.ChangeRequest{
			Kind:   models.KindEnvVar,
			EnvVar: &models.EnvVarChange{Name: canonical, NewValue: value, Scope: models.ScopeMachine},
		}
		res, err := ed.Submit(ctx, req, confirm.New(c))
		var verr *validate.ValidationError
		var xerr *executor.ExecutionError
		switch {
		case errors.As(err, &verr):
			c.Error("Invalid change: %v", verr)
		case errors.As(err, &xerr):
			c.Result(res)
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Error("%v", err)
		default:
			c.Result(res)
		}
	}
}

// prompt reads one answer. done is set when the user asked to leave or
// input is exhausted.
func (c *Console) prompt(ctx context.Context, q string) (answer string, done bool, err error) {
	answer, err = c.ReadLine(ctx, q)
	if errors.Is(err, io.EOF) {
		return "", true, nil
	}
	if err != nil {
		return "", true, err
	}
	answer = strings.TrimSpace(answer)
	if strings.EqualFold(answer, ExitKeyword) {
		return "", true, nil
	}
	return answer, false, nil
}

func (c *Console) printEnv(env map[string]string) {
	fold := cases.Fold()
	names := slices.SortedFunc(maps.Keys(env), func(a, b string) int {
		return strings.Compare(fold.String(a), fold.String(b))
	})
	c.Info("Machine environment variables:")
	for _, n := range names {
		fmt.Fprintf(c.out, "  %s = %s\n", n, env[n])
	}
}
