package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// PowerShell runs each command as a PowerShell script.
type PowerShell struct {
	// Path is the PowerShell executable, "powershell.exe" when empty.
	Path   string
	Logger *slog.Logger
}

// NewPowerShell returns a runner invoking the executable at path.
func NewPowerShell(path string, logger *slog.Logger) *PowerShell {
	if logger == nil {
		logger = slog.Default()
	}
	return &PowerShell{Path: path, Logger: logger}
}

// Run executes cmd. Any output on stderr is treated as failure even when the
// process exits zero, because many cmdlets report errors without setting an
// exit code.
func (p *PowerShell) Run(ctx context.Context, cmd Command) (Output, error) {
	script, err := Script(cmd)
	if err != nil {
		return Output{}, err
	}

	path := p.Path
	if path == "" {
		path = "powershell.exe"
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, path, "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", script)
	c.Stdout = &stdout
	c.Stderr = &stderr

	p.Logger.Debug("running command", "op", cmd.Op)
	runErr := c.Run()
	diag := strings.TrimSpace(stderr.String())
	if runErr != nil || diag != "" {
		return Output{}, &Error{Op: cmd.Op, Diagnostic: diag, Err: runErr}
	}
	return Output{Stdout: bytes.TrimSpace(stdout.Bytes())}, nil
}

// Script renders cmd as a PowerShell script. Every argument is passed as a
// single-quoted literal.
func Script(cmd Command) (string, error) {
	arg := func(key string) (string, error) {
		v, ok := cmd.Args[key]
		if !ok {
			return "", fmt.Errorf("%s: missing argument %q", cmd.Op, key)
		}
		return quote(v), nil
	}

	switch cmd.Op {
	case OpQueryPnPEntities:
		return "ConvertTo-Json -Compress -InputObject @(Get-CimInstance -ClassName Win32_PnPEntity | Select-Object Name, Manufacturer, DeviceID)", nil
	case OpListMachineEnv:
		return "[Environment]::GetEnvironmentVariables('Machine') | ConvertTo-Json -Compress", nil
	case OpListTimezones:
		return "Get-TimeZone -ListAvailable | Select-Object -ExpandProperty Id", nil
	case OpGetTimezone:
		return "(Get-TimeZone).Id", nil
	case OpQueryActivation:
		return `ConvertTo-Json -Compress -InputObject @(Get-CimInstance -ClassName SoftwareLicensingProduct -Filter "PartialProductKey IS NOT NULL" | Select-Object Name, LicenseStatus)`, nil
	case OpSetMachineEnv:
		name, err := arg(ArgName)
		if err != nil {
			return "", err
		}
		value, err := arg(ArgValue)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("[Environment]::SetEnvironmentVariable(%s, %s, 'Machine')", name, value), nil
	case OpEnableDHCP:
		iface, err := arg(ArgInterface)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Set-NetIPInterface -InterfaceAlias %s -Dhcp Enabled", iface), nil
	case OpSetStaticIP:
		iface, err := arg(ArgInterface)
		if err != nil {
			return "", err
		}
		ip, err := arg(ArgIP)
		if err != nil {
			return "", err
		}
		prefix, err := arg(ArgPrefix)
		if err != nil {
			return "", err
		}
		gw, err := arg(ArgGateway)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("New-NetIPAddress -IPAddress %s -PrefixLength %s -DefaultGateway %s -InterfaceAlias %s | Out-Null",
			ip, prefix, gw, iface), nil
	case OpSetDNSServers:
		iface, err := arg(ArgInterface)
		if err != nil {
			return "", err
		}
		raw, ok := cmd.Args[ArgServers]
		if !ok || raw == "" {
			return "", fmt.Errorf("%s: missing argument %q", cmd.Op, ArgServers)
		}
		servers := strings.Split(raw, ",")
		for i, s := range servers {
			servers[i] = quote(strings.TrimSpace(s))
		}
		return fmt.Sprintf("Set-DnsClientServerAddress -InterfaceAlias %s -ServerAddresses %s",
			iface, strings.Join(servers, ",")), nil
	case OpRenameComputer:
		name, err := arg(ArgName)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Rename-Computer -NewName %s -Force -WarningAction SilentlyContinue", name), nil
	case OpSetTimezone:
		id, err := arg(ArgID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Set-TimeZone -Id %s", id), nil
	}
	return "", fmt.Errorf("%s: %w", cmd.Op, ErrUnsupported)
}

// quote returns s as a PowerShell single-quoted string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
