// Package executor applies validated, confirmed changes through the command
// runner, one at a time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tphummel/staging_kit/internal/metrics"
	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/runner"
	"github.com/tphummel/staging_kit/internal/validate"
)

// Recorder appends results to the audit trail.
type Recorder interface {
	Append(models.ChangeResult) error
}

// ExecutionError reports a change the OS refused or that failed part way.
// Nothing is retried or rolled back.
type ExecutionError struct {
	RequestID string
	Kind      models.ChangeKind
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("apply %s change %s: %v", e.Kind, e.RequestID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Executor applies changes with at-most-once semantics. Apply calls are
// serialized: the runner never sees two changes in flight at once.
type Executor struct {
	runner runner.Runner
	audit  Recorder
	logger *slog.Logger
	sem    *semaphore.Weighted

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string
}

// New returns an Executor that records every result in rec.
func New(r runner.Runner, rec Recorder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner: r,
		audit:  rec,
		logger: logger,
		sem:    semaphore.NewWeighted(1),
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  func() string { return uuid.New().String() },
	}
}

type outcome struct {
	msg string
	err error
}

// Apply sends req to the OS. The caller must already have validated and
// confirmed it; Apply checks neither.
//
// If ctx is done before the change finishes, Apply stops waiting and records
// the request as failed. The OS operation is not interrupted and may still
// complete; later Apply calls wait for it.
func (e *Executor) Apply(ctx context.Context, req *models.ChangeRequest) (models.ChangeResult, error) {
	start := e.Now()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return e.finish(req, start, outcome{err: fmt.Errorf("abandoned before apply: %w", err)})
	}

	cmds, err := plan(req)
	if err != nil {
		e.sem.Release(1)
		return e.finish(req, start, outcome{err: err})
	}

	done := make(chan outcome, 1)
	go func() {
		defer e.sem.Release(1)
		done <- e.run(context.WithoutCancel(ctx), req, cmds)
	}()

	select {
	case o := <-done:
		return e.finish(req, start, o)
	case <-ctx.Done():
		e.logger.Warn("stopped waiting for change; OS operation may still complete",
			"request_id", req.ID, "kind", req.Kind)
		return e.finish(req, start, outcome{err: fmt.Errorf("abandoned while applying: %w", ctx.Err())})
	}
}

// run issues cmds in order, stopping at the first failure.
func (e *Executor) run(ctx context.Context, req *models.ChangeRequest, cmds []runner.Command) outcome {
	for i, cmd := range cmds {
		if _, err := e.runner.Run(ctx, cmd); err != nil {
			if i > 0 {
				err = fmt.Errorf("step %d of %d: %w", i+1, len(cmds), err)
			}
			return outcome{err: err}
		}
	}
	return outcome{msg: successMessage(req)}
}

func (e *Executor) finish(req *models.ChangeRequest, start time.Time, o outcome) (models.ChangeResult, error) {
	res := models.ChangeResult{
		ID:        e.NewID(),
		Request:   *req,
		Succeeded: o.err == nil,
		Outcome:   models.OutcomeSucceeded,
		Message:   o.msg,
		Timestamp: e.Now(),
	}

	var execErr error
	if o.err != nil {
		res.Outcome = models.OutcomeFailed
		res.Message = o.err.Error()
		var rerr *runner.Error
		if errors.As(o.err, &rerr) && rerr.Diagnostic != "" {
			res.Message = rerr.Diagnostic
		}
		execErr = &ExecutionError{RequestID: req.ID, Kind: req.Kind, Err: o.err}
		e.logger.Error("change failed", "request_id", req.ID, "kind", req.Kind, "error", o.err)
	} else {
		e.logger.Info("change applied", "request_id", req.ID, "kind", req.Kind, "message", res.Message)
	}
	metrics.ObserveChange(string(req.Kind), string(res.Outcome), res.Timestamp.Sub(start))

	if err := e.audit.Append(res); err != nil {
		e.logger.Error("audit append failed", "request_id", req.ID, "error", err)
		return res, errors.Join(execErr, fmt.Errorf("record result: %w", err))
	}
	return res, execErr
}

// plan turns req into the runner commands that apply it.
func plan(req *models.ChangeRequest) ([]runner.Command, error) {
	switch req.Kind {
	case models.KindNetwork:
		n := req.Network
		if n == nil {
			break
		}
		if n.InterfaceAlias == "" {
			return nil, errors.New("no interface alias")
		}
		if n.Mode == models.ModeDHCP {
			return []runner.Command{{Op: runner.OpEnableDHCP, Args: map[string]string{
				runner.ArgInterface: n.InterfaceAlias,
			}}}, nil
		}
		prefix, err := validate.MaskBits(n.SubnetMask)
		if err != nil {
			return nil, err
		}
		cmds := []runner.Command{{Op: runner.OpSetStaticIP, Args: map[string]string{
			runner.ArgInterface: n.InterfaceAlias,
			runner.ArgIP:        n.IPAddress,
			runner.ArgPrefix:    strconv.Itoa(prefix),
			runner.ArgGateway:   n.Gateway,
		}}}
		if len(n.DNSServers) > 0 {
			cmds = append(cmds, runner.Command{Op: runner.OpSetDNSServers, Args: map[string]string{
				runner.ArgInterface: n.InterfaceAlias,
				runner.ArgServers:   strings.Join(n.DNSServers, ","),
			}})
		}
		return cmds, nil
	case models.KindEnvVar:
		if req.EnvVar == nil {
			break
		}
		return []runner.Command{{Op: runner.OpSetMachineEnv, Args: map[string]string{
			runner.ArgName:  req.EnvVar.Name,
			runner.ArgValue: req.EnvVar.NewValue,
		}}}, nil
	case models.KindHostname:
		if req.Hostname == nil {
			break
		}
		return []runner.Command{{Op: runner.OpRenameComputer, Args: map[string]string{
			runner.ArgName: req.Hostname.NewName,
		}}}, nil
	case models.KindTimezone:
		if req.Timezone == nil {
			break
		}
		return []runner.Command{{Op: runner.OpSetTimezone, Args: map[string]string{
			runner.ArgID: req.Timezone.ID,
		}}}, nil
	}
	return nil, fmt.Errorf("no payload for %s change", req.Kind)
}

func successMessage(req *models.ChangeRequest) string {
	switch req.Kind {
	case models.KindNetwork:
		n := req.Network
		if n.Mode == models.ModeDHCP {
			return fmt.Sprintf("DHCP enabled on %s", n.InterfaceAlias)
		}
		return fmt.Sprintf("static IP %s (mask %s, gateway %s) applied on %s", n.IPAddress, n.SubnetMask, n.Gateway, n.InterfaceAlias)
	case models.KindEnvVar:
		return fmt.Sprintf("machine variable %s updated", req.EnvVar.Name)
	case models.KindHostname:
		return fmt.Sprintf("computer renamed to %s; restart required", req.Hostname.NewName)
	case models.KindTimezone:
		return fmt.Sprintf("time zone set to %s", req.Timezone.ID)
	}
	return "applied"
}
