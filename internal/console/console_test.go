package console_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphummel/staging_kit/internal/confirm"
	"github.com/tphummel/staging_kit/internal/console"
	"github.com/tphummel/staging_kit/internal/models"
)

func TestReadLine(t *testing.T) {
	var out bytes.Buffer
	c := console.New(strings.NewReader("first\r\nsecond\nlast"), &out)
	ctx := context.Background()

	for _, want := range []string{"first", "second", "last"} {
		got, err := c.ReadLine(ctx, "> ")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := c.ReadLine(ctx, "> ")
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "> > > > ", out.String())
}

func TestReadLine_DoneContext(t *testing.T) {
	c := console.New(strings.NewReader("y\n"), io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ReadLine(ctx, "> ")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAsk_DrivesGate(t *testing.T) {
	var out bytes.Buffer
	c := console.New(strings.NewReader("YES\n"), &out)
	req := &models.ChangeRequest{Kind: models.KindHostname, Hostname: &models.HostnameChange{NewName: "stage-01"}}

	d := confirm.New(c).Confirm(context.Background(), req)
	assert.True(t, d.Proceed)
	assert.Contains(t, out.String(), "stage-01")
	assert.Contains(t, out.String(), "[y/N]")
}

func TestAsk_EOFCancels(t *testing.T) {
	c := console.New(strings.NewReader(""), io.Discard)
	req := &models.ChangeRequest{Kind: models.KindHostname, Hostname: &models.HostnameChange{NewName: "stage-01"}}
	assert.False(t, confirm.New(c).Confirm(context.Background(), req).Proceed)
}

func TestResult(t *testing.T) {
	tests := []struct {
		outcome models.Outcome
		want    string
	}{
		{models.OutcomeSucceeded, "[SUCCESS] done"},
		{models.OutcomeCancelled, "[CANCELLED] done"},
		{models.OutcomeFailed, "[FAILED] done"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		console.New(strings.NewReader(""), &out).Result(models.ChangeResult{Outcome: tt.outcome, Message: "done"})
		assert.Contains(t, out.String(), tt.want)
	}
}

func TestDeviceTable(t *testing.T) {
	s := console.DeviceTable([]models.DeviceRecord{
		{Name: "USB Root Hub", Manufacturer: "(Standard USB Host Controller)", DeviceID: `USB\ROOT_HUB30\4&1`},
		{Name: "", Manufacturer: "", DeviceID: `ACPI\PNP0C0C\2`},
	})
	for _, want := range []string{"Name", "Manufacturer", "Device ID", "USB Root Hub", `USB\ROOT_HUB30\4&1`, `ACPI\PNP0C0C\2`} {
		assert.Contains(t, s, want)
	}
}

// fakeEditor applies nothing; it runs the gate and reports what it would do.
type fakeEditor struct {
	env       map[string]string
	listErr   error
	submitted []*models.ChangeRequest
	applied   []*models.ChangeRequest
	lists     int
}

func (f *fakeEditor) MachineEnv(context.Context) (map[string]string, error) {
	f.lists++
	return f.env, f.listErr
}

func (f *fakeEditor) Submit(ctx context.Context, req *models.ChangeRequest, gate *confirm.Gate) (models.ChangeResult, error) {
	f.submitted = append(f.submitted, req)
	d := gate.Confirm(ctx, req)
	if !d.Proceed {
		return models.ChangeResult{Request: *req, Outcome: models.OutcomeCancelled, Message: d.Reason}, nil
	}
	f.applied = append(f.applied, req)
	return models.ChangeResult{Request: *req, Succeeded: true, Outcome: models.OutcomeSucceeded, Message: "machine variable updated"}, nil
}

func newEditor() *fakeEditor {
	return &fakeEditor{env: map[string]string{"TOOLS": `C:\old`, "Path": `C:\Windows`}}
}

func TestEditEnv_AppliesConfirmedChange(t *testing.T) {
	ed := newEditor()
	var out bytes.Buffer
	c := console.New(strings.NewReader("tools\nC:\\new\ny\nexit\n"), &out)

	require.NoError(t, c.EditEnv(context.Background(), ed))

	require.Len(t, ed.applied, 1)
	assert.Equal(t, "TOOLS", ed.applied[0].EnvVar.Name)
	assert.Equal(t, `C:\new`, ed.applied[0].EnvVar.NewValue)
	assert.Equal(t, models.ScopeMachine, ed.applied[0].EnvVar.Scope)
	assert.Contains(t, out.String(), "[SUCCESS]")
	assert.Equal(t, 2, ed.lists, "editor should loop back after applying")
}

func TestEditEnv_DeclineLoopsBack(t *testing.T) {
	ed := newEditor()
	var out bytes.Buffer
	c := console.New(strings.NewReader("TOOLS\nC:\\new\nn\nEXIT\n"), &out)

	require.NoError(t, c.EditEnv(context.Background(), ed))
	assert.Len(t, ed.submitted, 1)
	assert.Empty(t, ed.applied)
	assert.Contains(t, out.String(), "[CANCELLED]")
	assert.Equal(t, 2, ed.lists)
}

func TestEditEnv_UnknownName(t *testing.T) {
	ed := newEditor()
	var out bytes.Buffer
	c := console.New(strings.NewReader("NOPE\nexit\n"), &out)

	require.NoError(t, c.EditEnv(context.Background(), ed))
	assert.Empty(t, ed.submitted)
	assert.Contains(t, out.String(), `"NOPE" does not exist`)
}

func TestEditEnv_ExitAtValuePrompt(t *testing.T) {
	ed := newEditor()
	c := console.New(strings.NewReader("TOOLS\nexit\n"), io.Discard)
	require.NoError(t, c.EditEnv(context.Background(), ed))
	assert.Empty(t, ed.submitted)
}

func TestEditEnv_EOFEnds(t *testing.T) {
	ed := newEditor()
	c := console.New(strings.NewReader("TOOLS\n"), io.Discard)
	require.NoError(t, c.EditEnv(context.Background(), ed))
	assert.Empty(t, ed.submitted)
}

func TestEditEnv_EOFAtConfirmationCancels(t *testing.T) {
	ed := newEditor()
	c := console.New(strings.NewReader("TOOLS\nnew"), io.Discard)
	require.NoError(t, c.EditEnv(context.Background(), ed))
	assert.Len(t, ed.submitted, 1)
	assert.Empty(t, ed.applied)
}

func TestEditEnv_ListFailure(t *testing.T) {
	ed := newEditor()
	ed.listErr = errors.New("access denied")
	c := console.New(strings.NewReader("exit\n"), io.Discard)
	err := c.EditEnv(context.Background(), ed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestEditEnv_ListsVariablesSorted(t *testing.T) {
	ed := newEditor()
	var out bytes.Buffer
	c := console.New(strings.NewReader("exit\n"), &out)
	require.NoError(t, c.EditEnv(context.Background(), ed))

	s := out.String()
	path := strings.Index(s, "Path = ")
	tools := strings.Index(s, "TOOLS = ")
	require.True(t, path >= 0 && tools >= 0, "variables not listed: %q", s)
	assert.Less(t, path, tools)
}
