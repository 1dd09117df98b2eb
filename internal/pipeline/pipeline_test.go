package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphummel/staging_kit/internal/audit"
	"github.com/tphummel/staging_kit/internal/confirm"
	"github.com/tphummel/staging_kit/internal/export"
	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/pipeline"
	"github.com/tphummel/staging_kit/internal/runner"
	"github.com/tphummel/staging_kit/internal/runner/runnertest"
	"github.com/tphummel/staging_kit/internal/validate"
)

const pnp = `[
	{"Name":"USB Root Hub","Manufacturer":"(Standard USB Host Controller)","DeviceID":"USB\\ROOT_HUB30\\4&1"},
	{"Name":"Audio Endpoint","Manufacturer":"Realtek","DeviceID":"SWD\\MMDEVAPI\\1"}
]`

func newFake() *runnertest.Fake {
	return runnertest.New().
		Reply(runner.OpQueryPnPEntities, pnp).
		Reply(runner.OpListMachineEnv, `{"TOOLS":"C:\\old","Path":"C:\\Windows"}`).
		Reply(runner.OpListTimezones, "UTC\nPacific Standard Time\n").
		Reply(runner.OpGetTimezone, "Pacific Standard Time\n")
}

func newSession(t *testing.T, fake *runnertest.Fake) (*pipeline.Session, *audit.Store) {
	t.Helper()
	store, err := audit.New()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := pipeline.New(fake, store, pipeline.Options{
		InterfaceAlias: "Ethernet",
		ExportDir:      t.TempDir(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	in := s.Inspector()
	in.Hostname = func(context.Context) (string, error) { return "DESKTOP-OLD", nil }
	in.Addrs = func(context.Context, string) ([]string, error) { return []string{"10.0.0.9/24"}, nil }
	return s, store
}

func envRequest(value string) *models.ChangeRequest {
	return &models.ChangeRequest{
		Kind:   models.KindEnvVar,
		EnvVar: &models.EnvVarChange{Name: "TOOLS", NewValue: value, Scope: models.ScopeMachine},
	}
}

func TestSubmit_ConfirmedApplies(t *testing.T) {
	fake := newFake()
	s, store := newSession(t, fake)

	req := envRequest(`C:\new`)
	res, err := s.Submit(context.Background(), req, confirm.New(confirm.Answer("y")))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, models.StateApplied, req.State)
	assert.NotEmpty(t, req.ID)
	assert.True(t, req.RequiresConfirmation)
	require.NotNil(t, req.EnvVar.OldValue)
	assert.Equal(t, `C:\old`, *req.EnvVar.OldValue)

	calls := fake.CallsTo(runner.OpSetMachineEnv)
	require.Len(t, calls, 1)
	assert.Equal(t, `C:\new`, calls[0].Args[runner.ArgValue])

	history, err := store.List()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, req.ID, history[0].Request.ID)
}

func TestSubmit_DeclinedNeverApplies(t *testing.T) {
	for _, answer := range []string{"n", "", "maybe", "no thanks"} {
		t.Run(answer, func(t *testing.T) {
			fake := newFake()
			s, store := newSession(t, fake)

			req := envRequest(`C:\new`)
			res, err := s.Submit(context.Background(), req, confirm.New(confirm.Answer(answer)))
			require.NoError(t, err)

			assert.Equal(t, models.OutcomeCancelled, res.Outcome)
			assert.False(t, res.Succeeded)
			assert.Equal(t, models.StateCancelled, req.State)
			assert.Empty(t, fake.CallsTo(runner.OpSetMachineEnv))

			history, err := store.List()
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, models.OutcomeCancelled, history[0].Outcome)
		})
	}
}

func TestSubmit_NilGateCancels(t *testing.T) {
	fake := newFake()
	s, _ := newSession(t, fake)

	res, err := s.Submit(context.Background(), envRequest("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCancelled, res.Outcome)
	assert.Empty(t, fake.CallsTo(runner.OpSetMachineEnv))
}

func TestSubmit_InvalidNeverPrompts(t *testing.T) {
	fake := newFake()
	s, store := newSession(t, fake)

	asked := false
	gate := confirm.New(responderFunc(func() string { asked = true; return "y" }))

	req := &models.ChangeRequest{
		Kind: models.KindNetwork,
		Network: &models.NetworkConfig{
			Mode:       models.ModeStatic,
			IPAddress:  "192.168.1.300",
			SubnetMask: "255.255.255.0",
			Gateway:    "192.168.1.1",
		},
	}
	_, err := s.Submit(context.Background(), req, gate)

	var verr *validate.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, asked, "invalid request reached the gate")
	assert.Equal(t, models.StateCreated, req.State)
	assert.Empty(t, fake.CallsTo(runner.OpSetStaticIP))

	history, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSubmit_UnknownEnvVarRejected(t *testing.T) {
	fake := newFake()
	s, _ := newSession(t, fake)

	req := &models.ChangeRequest{
		Kind:   models.KindEnvVar,
		EnvVar: &models.EnvVarChange{Name: "NOPE", NewValue: "x", Scope: models.ScopeMachine},
	}
	_, err := s.Submit(context.Background(), req, confirm.New(confirm.Answer("y")))
	var verr *validate.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, fake.CallsTo(runner.OpSetMachineEnv))
}

func TestSubmit_DefaultInterfaceAlias(t *testing.T) {
	fake := newFake()
	s, _ := newSession(t, fake)

	req := &models.ChangeRequest{Kind: models.KindNetwork, Network: &models.NetworkConfig{Mode: models.ModeDHCP}}
	_, err := s.Submit(context.Background(), req, confirm.New(confirm.Answer("yes")))
	require.NoError(t, err)

	calls := fake.CallsTo(runner.OpEnableDHCP)
	require.Len(t, calls, 1)
	assert.Equal(t, "Ethernet", calls[0].Args[runner.ArgInterface])
	assert.Equal(t, []string{"10.0.0.9/24"}, req.Network.CurrentAddresses)
}

func TestSubmit_PromptShowsOldValues(t *testing.T) {
	fake := newFake()
	s, _ := newSession(t, fake)

	var prompt string
	gate := confirm.New(promptRecorder{&prompt})
	req := &models.ChangeRequest{Kind: models.KindTimezone, Timezone: &models.TimezoneChange{ID: "UTC"}}
	_, err := s.Submit(context.Background(), req, gate)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Pacific Standard Time -> UTC")
}

func TestSubmit_EnvNameMatchedCaseInsensitively(t *testing.T) {
	fake := newFake()
	s, _ := newSession(t, fake)

	var prompt string
	req := &models.ChangeRequest{
		Kind:   models.KindEnvVar,
		EnvVar: &models.EnvVarChange{Name: "tools", NewValue: `C:\new`},
	}
	res, err := s.Submit(context.Background(), req, confirm.New(promptRecorder{&prompt}))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCancelled, res.Outcome)
	assert.Contains(t, prompt, "Set machine variable TOOLS")
	assert.Contains(t, prompt, `old: C:\old`)

	req = &models.ChangeRequest{
		Kind:   models.KindEnvVar,
		EnvVar: &models.EnvVarChange{Name: "tools", NewValue: `C:\new`},
	}
	_, err = s.Submit(context.Background(), req, confirm.New(confirm.Answer("y")))
	require.NoError(t, err)
	calls := fake.CallsTo(runner.OpSetMachineEnv)
	require.Len(t, calls, 1)
	assert.Equal(t, "TOOLS", calls[0].Args[runner.ArgName])
}

func TestSubmit_ApplyFailureReturned(t *testing.T) {
	fake := newFake().Fail(runner.OpRenameComputer, "The computer name is already in use.")
	s, store := newSession(t, fake)

	req := &models.ChangeRequest{Kind: models.KindHostname, Hostname: &models.HostnameChange{NewName: "stage-01"}}
	res, err := s.Submit(context.Background(), req, confirm.New(confirm.Answer("y")))
	require.Error(t, err)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, "The computer name is already in use.", res.Message)
	assert.Equal(t, "DESKTOP-OLD", res.Request.Hostname.OldName)

	history, _ := store.List()
	require.Len(t, history, 1)
	assert.Equal(t, models.OutcomeFailed, history[0].Outcome)
}

func TestScan_DuringApply(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fake := newFake().Handle(runner.OpSetMachineEnv, func(ctx context.Context, _ runner.Command) (runner.Output, error) {
		close(started)
		select {
		case <-release:
			return runner.Output{}, nil
		case <-ctx.Done():
			return runner.Output{}, ctx.Err()
		}
	})
	s, _ := newSession(t, fake)
	ctx := context.Background()

	type submitted struct {
		res models.ChangeResult
		err error
	}
	done := make(chan submitted, 1)
	go func() {
		res, err := s.Submit(ctx, envRequest(`C:\new`), confirm.New(confirm.Answer("y")))
		done <- submitted{res, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("apply never started")
	}

	list, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	select {
	case <-done:
		t.Fatal("submit finished before the apply was released")
	default:
	}

	close(release)
	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, models.OutcomeSucceeded, got.res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not finish")
	}
	assert.Len(t, fake.CallsTo(runner.OpSetMachineEnv), 1)
}

func TestDevices_ScansOnceThenCaches(t *testing.T) {
	fake := newFake()
	s, _ := newSession(t, fake)
	ctx := context.Background()

	list, err := s.Devices(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Audio Endpoint", list[0].Name)

	_, err = s.Devices(ctx, false)
	require.NoError(t, err)
	assert.Len(t, fake.CallsTo(runner.OpQueryPnPEntities), 1)

	_, err = s.Devices(ctx, true)
	require.NoError(t, err)
	assert.Len(t, fake.CallsTo(runner.OpQueryPnPEntities), 2)
}

func TestExport_BeforeScan(t *testing.T) {
	s, _ := newSession(t, newFake())
	_, err := s.Export(export.FormatJSON)
	assert.True(t, errors.Is(err, pipeline.ErrNoDevices))
}

func TestExportFile(t *testing.T) {
	s, _ := newSession(t, newFake())
	s.Now = func() time.Time { return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC) }

	_, err := s.Scan(context.Background())
	require.NoError(t, err)

	path, err := s.ExportFile(export.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "hardware_scan_20260102_150405.yaml", filepath.Base(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	back, err := export.Import(b, export.FormatYAML)
	require.NoError(t, err)
	assert.Len(t, back, 2)
}

func TestImport_ReplacesList(t *testing.T) {
	fake := newFake()
	s, _ := newSession(t, fake)

	doc := []byte(`[{"name":"Only","manufacturer":"Acme","deviceId":"X\\1"}]`)
	list, err := s.Import(doc, export.FormatJSON)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := s.Devices(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, list, got)
	assert.Empty(t, fake.CallsTo(runner.OpQueryPnPEntities))
}

func TestImport_BadDocumentKeepsList(t *testing.T) {
	s, _ := newSession(t, newFake())
	_, err := s.Scan(context.Background())
	require.NoError(t, err)

	_, err = s.Import([]byte(`[{"name":"x"}]`), export.FormatJSON)
	var serr *export.SerializationError
	require.ErrorAs(t, err, &serr)

	list, err := s.Devices(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

type responderFunc func() string

func (f responderFunc) Ask(context.Context, string) (string, error) { return f(), nil }

type promptRecorder struct{ prompt *string }

func (p promptRecorder) Ask(_ context.Context, prompt string) (string, error) {
	*p.prompt = prompt
	return "n", nil
}
