//go:build windows

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/StackExchange/wmi"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const machineEnvKey = `SYSTEM\CurrentControlSet\Control\Session Manager\Environment`

const (
	hwndBroadcast    = 0xffff
	wmSettingChange  = 0x001a
	smtoAbortIfHung  = 0x0002
	broadcastTimeout = 5000 // ms, per window
)

var procSendMessageTimeoutW = windows.NewLazySystemDLL("user32.dll").NewProc("SendMessageTimeoutW")

// win32PnPEntity mirrors the WMI class; nil fields are NULL in WMI.
type win32PnPEntity struct {
	Name         *string
	Manufacturer *string
	DeviceID     *string
}

type softwareLicensingProduct struct {
	Name          string
	LicenseStatus uint32
}

// Native answers device, activation and environment operations through WMI
// and the registry, and hands everything else to PowerShell.
type Native struct {
	fallback Runner
	logger   *slog.Logger
}

// NewNative returns a Windows native runner delegating to fallback.
func NewNative(fallback Runner, logger *slog.Logger) (*Native, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Native{fallback: fallback, logger: logger}, nil
}

func (n *Native) Run(ctx context.Context, cmd Command) (Output, error) {
	switch cmd.Op {
	case OpQueryPnPEntities:
		return n.queryPnP()
	case OpQueryActivation:
		return n.queryActivation()
	case OpListMachineEnv:
		return n.listEnv()
	case OpSetMachineEnv:
		return n.setEnv(cmd.Args[ArgName], cmd.Args[ArgValue])
	}
	return n.fallback.Run(ctx, cmd)
}

func (n *Native) queryPnP() (Output, error) {
	var dst []win32PnPEntity
	if err := wmi.Query("SELECT Name, Manufacturer, DeviceID FROM Win32_PnPEntity", &dst); err != nil {
		return Output{}, &Error{Op: OpQueryPnPEntities, Err: err}
	}
	rows := make([]map[string]*string, 0, len(dst))
	for _, e := range dst {
		rows = append(rows, map[string]*string{
			"Name":         e.Name,
			"Manufacturer": e.Manufacturer,
			"DeviceID":     e.DeviceID,
		})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return Output{}, fmt.Errorf("marshal pnp rows: %w", err)
	}
	return Output{Stdout: b}, nil
}

func (n *Native) queryActivation() (Output, error) {
	var dst []softwareLicensingProduct
	q := "SELECT Name, LicenseStatus FROM SoftwareLicensingProduct WHERE PartialProductKey IS NOT NULL"
	if err := wmi.Query(q, &dst); err != nil {
		return Output{}, &Error{Op: OpQueryActivation, Err: err}
	}
	b, err := json.Marshal(dst)
	if err != nil {
		return Output{}, fmt.Errorf("marshal licensing rows: %w", err)
	}
	return Output{Stdout: b}, nil
}

func (n *Native) listEnv() (Output, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, machineEnvKey, registry.QUERY_VALUE)
	if err != nil {
		return Output{}, &Error{Op: OpListMachineEnv, Err: err}
	}
	defer k.Close()

	names, err := k.ReadValueNames(0)
	if err != nil {
		return Output{}, &Error{Op: OpListMachineEnv, Err: err}
	}
	env := make(map[string]string, len(names))
	for _, name := range names {
		v, _, err := k.GetStringValue(name)
		if err != nil {
			// Non-string values are not environment variables.
			n.logger.Debug("skipping registry value", "name", name, "error", err)
			continue
		}
		env[name] = v
	}
	b, err := json.Marshal(env)
	if err != nil {
		return Output{}, fmt.Errorf("marshal env: %w", err)
	}
	return Output{Stdout: b}, nil
}

func (n *Native) setEnv(name, value string) (Output, error) {
	if name == "" {
		return Output{}, fmt.Errorf("%s: missing argument %q", OpSetMachineEnv, ArgName)
	}
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, machineEnvKey, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return Output{}, &Error{Op: OpSetMachineEnv, Err: err}
	}
	defer k.Close()

	_, valType, err := k.GetStringValue(name)
	if errors.Is(err, registry.ErrNotExist) {
		return Output{}, &Error{Op: OpSetMachineEnv, Diagnostic: name, Err: ErrNotFound}
	}
	if err != nil {
		return Output{}, &Error{Op: OpSetMachineEnv, Err: err}
	}

	// Keep REG_EXPAND_SZ values expandable.
	if valType == registry.EXPAND_SZ {
		err = k.SetExpandStringValue(name, value)
	} else {
		err = k.SetStringValue(name, value)
	}
	if err != nil {
		return Output{}, &Error{Op: OpSetMachineEnv, Err: err}
	}
	// The value is stored either way; only already running programs miss it.
	if err := broadcastEnvChange(); err != nil {
		n.logger.Warn("environment change not broadcast", "name", name, "error", err)
	}
	return Output{}, nil
}

// broadcastEnvChange tells top-level windows that the environment block
// changed, as SetEnvironmentVariable does for machine scope.
func broadcastEnvChange() error {
	if err := procSendMessageTimeoutW.Find(); err != nil {
		return err
	}
	param, err := windows.UTF16PtrFromString("Environment")
	if err != nil {
		return err
	}
	var result uintptr
	r, _, callErr := procSendMessageTimeoutW.Call(
		hwndBroadcast,
		wmSettingChange,
		0,
		uintptr(unsafe.Pointer(param)),
		smtoAbortIfHung,
		broadcastTimeout,
		uintptr(unsafe.Pointer(&result)),
	)
	if r == 0 {
		return fmt.Errorf("SendMessageTimeoutW: %w", callErr)
	}
	return nil
}
