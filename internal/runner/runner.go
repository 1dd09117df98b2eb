// Package runner executes named OS-level operations and returns their raw
// output. Everything above this package is testable with a substitute Runner.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Op names one OS-level operation.
type Op string

const (
	OpQueryPnPEntities Op = "QueryPnPEntities"
	OpListMachineEnv   Op = "ListMachineEnv"
	OpSetMachineEnv    Op = "SetMachineEnv"
	OpEnableDHCP       Op = "EnableDHCP"
	OpSetStaticIP      Op = "SetStaticIP"
	OpSetDNSServers    Op = "SetDNSServers"
	OpRenameComputer   Op = "RenameComputer"
	OpSetTimezone      Op = "SetTimezone"
	OpListTimezones    Op = "ListTimezones"
	OpGetTimezone      Op = "GetTimezone"
	OpQueryActivation  Op = "QueryActivation"
)

// Argument keys used by Command.Args.
const (
	ArgName      = "name"
	ArgValue     = "value"
	ArgInterface = "interface"
	ArgIP        = "ip"
	ArgPrefix    = "prefix"
	ArgGateway   = "gateway"
	ArgServers   = "servers"
	ArgID        = "id"
)

var (
	// ErrUnsupported is returned for an operation the runner cannot perform
	// on this platform.
	ErrUnsupported = errors.New("operation not supported")
	// ErrNotFound is returned when an operation targets something that does
	// not exist.
	ErrNotFound = errors.New("not found")
)

// Command is one invocation of an Op.
type Command struct {
	Op   Op
	Args map[string]string
}

// Output is the raw result of a successful command.
type Output struct {
	Stdout []byte
}

// Runner executes a single command. Implementations impose their own
// timeouts, if any.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// Error carries the diagnostic text of a failed OS command.
type Error struct {
	Op         Op
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Diagnostic != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Diagnostic)
	case e.Diagnostic != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Diagnostic)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds the runner named by kind: "powershell" or "wmi".
func New(kind, powershellPath string, logger *slog.Logger) (Runner, error) {
	ps := NewPowerShell(powershellPath, logger)
	switch kind {
	case "", "powershell":
		return ps, nil
	case "wmi":
		n, err := NewNative(ps, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, fmt.Errorf("unknown runner %q", kind)
}
