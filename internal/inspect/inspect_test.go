package inspect_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/tphummel/staging_kit/internal/inspect"
	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/runner"
	"github.com/tphummel/staging_kit/internal/runner/runnertest"
)

func TestMachineEnv(t *testing.T) {
	fake := runnertest.New().Reply(runner.OpListMachineEnv, `{"Path":"C:\\Windows","TEMP":"C:\\Temp"}`)
	env, err := inspect.MachineEnv(context.Background(), fake)
	if err != nil {
		t.Fatalf("MachineEnv: %v", err)
	}
	if env["Path"] != `C:\Windows` || env["TEMP"] != `C:\Temp` {
		t.Errorf("got %v", env)
	}
}

func TestMachineEnv_Empty(t *testing.T) {
	env, err := inspect.MachineEnv(context.Background(), runnertest.New())
	if err != nil {
		t.Fatalf("MachineEnv: %v", err)
	}
	if len(env) != 0 {
		t.Errorf("got %v, want empty", env)
	}
}

func TestMachineEnv_RunnerError(t *testing.T) {
	fake := runnertest.New().Fail(runner.OpListMachineEnv, "access denied")
	if _, err := inspect.MachineEnv(context.Background(), fake); err == nil {
		t.Fatal("expected error")
	}
}

func TestTimezones_SortedAndTrimmed(t *testing.T) {
	fake := runnertest.New().Reply(runner.OpListTimezones, "UTC\r\nPacific Standard Time\r\n\r\nAlaskan Standard Time\r\n")
	ids, err := inspect.Timezones(context.Background(), fake)
	if err != nil {
		t.Fatalf("Timezones: %v", err)
	}
	want := []string{"Alaskan Standard Time", "Pacific Standard Time", "UTC"}
	if len(ids) != len(want) {
		t.Fatalf("got %q, want %q", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d]: got %q, want %q", i, ids[i], want[i])
		}
	}
}

func newInspector(fake *runnertest.Fake) *inspect.Inspector {
	in := inspect.NewInspector(fake, nil)
	in.Hostname = func(context.Context) (string, error) { return "DESKTOP-OLD", nil }
	in.Addrs = func(_ context.Context, alias string) ([]string, error) {
		if alias != "Ethernet" {
			return nil, runner.ErrNotFound
		}
		return []string{"10.0.0.9/24"}, nil
	}
	return in
}

func TestFill(t *testing.T) {
	fake := runnertest.New().
		Reply(runner.OpListMachineEnv, `{"TOOLS":"C:\\tools"}`).
		Reply(runner.OpGetTimezone, "UTC\r\n")
	in := newInspector(fake)
	ctx := context.Background()

	env := &models.ChangeRequest{Kind: models.KindEnvVar, EnvVar: &models.EnvVarChange{Name: "TOOLS", NewValue: "D:\\tools"}}
	in.Fill(ctx, env)
	if env.EnvVar.OldValue == nil || *env.EnvVar.OldValue != `C:\tools` {
		t.Errorf("env old value: got %v", env.EnvVar.OldValue)
	}

	host := &models.ChangeRequest{Kind: models.KindHostname, Hostname: &models.HostnameChange{NewName: "stage-01"}}
	in.Fill(ctx, host)
	if host.Hostname.OldName != "DESKTOP-OLD" {
		t.Errorf("hostname old: got %q", host.Hostname.OldName)
	}

	tz := &models.ChangeRequest{Kind: models.KindTimezone, Timezone: &models.TimezoneChange{ID: "Pacific Standard Time"}}
	in.Fill(ctx, tz)
	if tz.Timezone.OldID != "UTC" {
		t.Errorf("timezone old: got %q", tz.Timezone.OldID)
	}

	nw := &models.ChangeRequest{Kind: models.KindNetwork, Network: &models.NetworkConfig{Mode: models.ModeDHCP, InterfaceAlias: "Ethernet"}}
	in.Fill(ctx, nw)
	if len(nw.Network.CurrentAddresses) != 1 {
		t.Errorf("network current: got %v", nw.Network.CurrentAddresses)
	}
}

func TestFill_LookupFailuresLeaveUnset(t *testing.T) {
	fake := runnertest.New().
		Fail(runner.OpListMachineEnv, "boom").
		Fail(runner.OpGetTimezone, "boom")
	in := newInspector(fake)
	in.Hostname = func(context.Context) (string, error) { return "", errors.New("boom") }
	ctx := context.Background()

	env := &models.ChangeRequest{Kind: models.KindEnvVar, EnvVar: &models.EnvVarChange{Name: "TOOLS"}}
	in.Fill(ctx, env)
	if env.EnvVar.OldValue != nil {
		t.Errorf("env old value: got %v, want nil", *env.EnvVar.OldValue)
	}

	host := &models.ChangeRequest{Kind: models.KindHostname, Hostname: &models.HostnameChange{NewName: "x"}}
	in.Fill(ctx, host)
	if host.Hostname.OldName != "" {
		t.Errorf("hostname old: got %q, want empty", host.Hostname.OldName)
	}

	nw := &models.ChangeRequest{Kind: models.KindNetwork, Network: &models.NetworkConfig{InterfaceAlias: "Wi-Fi"}}
	in.Fill(ctx, nw)
	if nw.Network.CurrentAddresses != nil {
		t.Errorf("network current: got %v, want nil", nw.Network.CurrentAddresses)
	}
}

func TestLookupEnv(t *testing.T) {
	env := map[string]string{"Path": `C:\Windows`, "TOOLS": `C:\tools`}
	tests := []struct {
		name      string
		canonical string
		value     string
		ok        bool
	}{
		{"TOOLS", "TOOLS", `C:\tools`, true},
		{"tools", "TOOLS", `C:\tools`, true},
		{"PATH", "Path", `C:\Windows`, true},
		{"TOOL", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canonical, value, ok := inspect.LookupEnv(env, tt.name)
			if canonical != tt.canonical || value != tt.value || ok != tt.ok {
				t.Errorf("LookupEnv(%q) = %q, %q, %v; want %q, %q, %v",
					tt.name, canonical, value, ok, tt.canonical, tt.value, tt.ok)
			}
		})
	}
}

func TestFill_EnvNameTakesStoredSpelling(t *testing.T) {
	fake := runnertest.New().Reply(runner.OpListMachineEnv, `{"TOOLS":"C:\\tools"}`)
	in := newInspector(fake)

	req := &models.ChangeRequest{Kind: models.KindEnvVar, EnvVar: &models.EnvVarChange{Name: "Tools", NewValue: "D:\\tools"}}
	in.Fill(context.Background(), req)
	if req.EnvVar.Name != "TOOLS" {
		t.Errorf("name: got %q, want TOOLS", req.EnvVar.Name)
	}
	if req.EnvVar.OldValue == nil || *req.EnvVar.OldValue != `C:\tools` {
		t.Errorf("old value: got %v", req.EnvVar.OldValue)
	}
}

func TestActivation(t *testing.T) {
	tests := []struct {
		name      string
		stdout    string
		activated bool
		statuses  []string
	}{
		{"licensed", `[{"Name":"Windows(R), Professional edition","LicenseStatus":1}]`, true, []string{"licensed"}},
		{"grace period", `[{"Name":"Windows(R), Professional edition","LicenseStatus":2}]`, false, []string{"oob grace"}},
		{"one of two licensed", `[{"Name":"Office","LicenseStatus":0},{"Name":"Windows","LicenseStatus":1}]`, true, []string{"unlicensed", "licensed"}},
		{"out of range code", `[{"Name":"Windows","LicenseStatus":9}]`, false, []string{"unknown (9)"}},
		{"no product keys", "", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runnertest.New().Reply(runner.OpQueryActivation, tt.stdout)
			st, err := inspect.Activation(context.Background(), fake)
			if err != nil {
				t.Fatalf("Activation: %v", err)
			}
			if st.Activated != tt.activated {
				t.Errorf("Activated: got %v, want %v", st.Activated, tt.activated)
			}
			var got []string
			for _, p := range st.Products {
				got = append(got, p.Status)
			}
			if !slices.Equal(got, tt.statuses) {
				t.Errorf("statuses: got %q, want %q", got, tt.statuses)
			}
		})
	}
}

func TestActivation_BadOutput(t *testing.T) {
	fake := runnertest.New().Reply(runner.OpQueryActivation, "Access denied")
	if _, err := inspect.Activation(context.Background(), fake); err == nil {
		t.Error("expected a decode error")
	}
}
