// Package inspect reads current machine state. Nothing here mutates the
// system.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/runner"
)

// MachineEnv returns the machine-scoped environment variables.
func MachineEnv(ctx context.Context, r runner.Runner) (map[string]string, error) {
	out, err := r.Run(ctx, runner.Command{Op: runner.OpListMachineEnv})
	if err != nil {
		return nil, err
	}
	env := map[string]string{}
	b := bytes.TrimSpace(out.Stdout)
	if len(b) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode machine environment: %w", err)
	}
	return env, nil
}

// LookupEnv finds name in env case-insensitively, as Windows does, and
// returns the stored spelling with its value.
func LookupEnv(env map[string]string, name string) (canonical, value string, ok bool) {
	if v, found := env[name]; found {
		return name, v, true
	}
	for k, v := range env {
		if strings.EqualFold(k, name) {
			return k, v, true
		}
	}
	return "", "", false
}

// Timezones returns the available time zone ids, sorted.
func Timezones(ctx context.Context, r runner.Runner) ([]string, error) {
	out, err := r.Run(ctx, runner.Command{Op: runner.OpListTimezones})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(string(out.Stdout), "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// CurrentTimezone returns the active time zone id.
func CurrentTimezone(ctx context.Context, r runner.Runner) (string, error) {
	out, err := r.Run(ctx, runner.Command{Op: runner.OpGetTimezone})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out.Stdout)), nil
}

// LicenseStatus is SoftwareLicensingProduct.LicenseStatus.
type LicenseStatus int

const (
	Unlicensed LicenseStatus = iota
	Licensed
	OOBGrace
	OOTGrace
	NonGenuineGrace
	Notification
	ExtendedGrace
)

var licenseStatusNames = [...]string{"unlicensed", "licensed", "oob grace", "oot grace", "non-genuine grace", "notification", "extended grace"}

func (s LicenseStatus) String() string {
	if s >= 0 && int(s) < len(licenseStatusNames) {
		return licenseStatusNames[s]
	}
	return fmt.Sprintf("unknown (%d)", int(s))
}

// LicensedProduct is one installed product key.
type LicensedProduct struct {
	Name   string        `json:"name"`
	Code   LicenseStatus `json:"licenseStatus"`
	Status string        `json:"status"`
}

// ActivationStatus reports whether Windows is activated. Activated is true
// when any installed product key is licensed.
type ActivationStatus struct {
	Activated bool              `json:"activated"`
	Products  []LicensedProduct `json:"products"`
}

// Activation reads the licensing state of the installed product keys.
func Activation(ctx context.Context, r runner.Runner) (ActivationStatus, error) {
	out, err := r.Run(ctx, runner.Command{Op: runner.OpQueryActivation})
	if err != nil {
		return ActivationStatus{}, err
	}
	var rows []struct {
		Name          string
		LicenseStatus int
	}
	if b := bytes.TrimSpace(out.Stdout); len(b) > 0 {
		if err := json.Unmarshal(b, &rows); err != nil {
			return ActivationStatus{}, fmt.Errorf("decode licensing products: %w", err)
		}
	}
	st := ActivationStatus{Products: make([]LicensedProduct, 0, len(rows))}
	for _, row := range rows {
		code := LicenseStatus(row.LicenseStatus)
		st.Products = append(st.Products, LicensedProduct{Name: row.Name, Code: code, Status: code.String()})
		if code == Licensed {
			st.Activated = true
		}
	}
	return st, nil
}

// Hostname returns the machine's current host name.
func Hostname(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", err
	}
	return info.Hostname, nil
}

// InterfaceAddrs returns the addresses bound to the adapter named alias.
func InterfaceAddrs(ctx context.Context, alias string) ([]string, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if !strings.EqualFold(iface.Name, alias) {
			continue
		}
		addrs := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			if p, err := netip.ParsePrefix(a.Addr); err == nil && p.Addr().IsLinkLocalUnicast() {
				continue
			}
			addrs = append(addrs, a.Addr)
		}
		return addrs, nil
	}
	return nil, fmt.Errorf("interface %q: %w", alias, runner.ErrNotFound)
}

// Inspector fills in the current ("old") values of a pending change so the
// confirmation prompt can show them. Lookups are best effort.
type Inspector struct {
	Runner runner.Runner
	Logger *slog.Logger

	// Hostname and Addrs default to the gopsutil-backed functions above.
	Hostname func(ctx context.Context) (string, error)
	Addrs    func(ctx context.Context, alias string) ([]string, error)
}

// NewInspector returns an Inspector using r and the host's own state.
func NewInspector(r runner.Runner, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{Runner: r, Logger: logger, Hostname: Hostname, Addrs: InterfaceAddrs}
}

// Fill sets old-value fields on req. Failed lookups leave them unset. An
// env var name is rewritten to the spelling the machine stores it under.
func (i *Inspector) Fill(ctx context.Context, req *models.ChangeRequest) {
	switch req.Kind {
	case models.KindEnvVar:
		if req.EnvVar == nil {
			return
		}
		env, err := MachineEnv(ctx, i.Runner)
		if err != nil {
			i.Logger.Debug("old value lookup failed", "kind", req.Kind, "error", err)
			return
		}
		name, v, ok := LookupEnv(env, req.EnvVar.Name)
		if !ok {
			return
		}
		req.EnvVar.Name = name
		if req.EnvVar.OldValue == nil {
			req.EnvVar.OldValue = &v
		}
	case models.KindHostname:
		if req.Hostname == nil || req.Hostname.OldName != "" || i.Hostname == nil {
			return
		}
		name, err := i.Hostname(ctx)
		if err != nil {
			i.Logger.Debug("old value lookup failed", "kind", req.Kind, "error", err)
			return
		}
		req.Hostname.OldName = name
	case models.KindTimezone:
		if req.Timezone == nil || req.Timezone.OldID != "" {
			return
		}
		id, err := CurrentTimezone(ctx, i.Runner)
		if err != nil {
			i.Logger.Debug("old value lookup failed", "kind", req.Kind, "error", err)
			return
		}
		req.Timezone.OldID = id
	case models.KindNetwork:
		if req.Network == nil || len(req.Network.CurrentAddresses) > 0 || i.Addrs == nil {
			return
		}
		addrs, err := i.Addrs(ctx, req.Network.InterfaceAlias)
		if err != nil {
			i.Logger.Debug("old value lookup failed", "kind", req.Kind, "error", err)
			return
		}
		req.Network.CurrentAddresses = addrs
	}
}
