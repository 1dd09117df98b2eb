// Command stagectl is the interactive staging tool: hardware inventory and
// confirmed configuration changes on the local Windows host.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tphummel/staging_kit/internal/audit"
	"github.com/tphummel/staging_kit/internal/config"
	"github.com/tphummel/staging_kit/internal/confirm"
	"github.com/tphummel/staging_kit/internal/console"
	"github.com/tphummel/staging_kit/internal/executor"
	"github.com/tphummel/staging_kit/internal/export"
	"github.com/tphummel/staging_kit/internal/logging"
	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/pipeline"
	"github.com/tphummel/staging_kit/internal/runner"
	"github.com/tphummel/staging_kit/internal/validate"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

const usage = `Usage: stagectl [global flags] <command> [flags]

Commands:
  devices              scan and list Plug-and-Play devices (--export, --pause)
  envvar               edit machine environment variables interactively
  dhcp                 switch the network adapter to DHCP
  static-ip            assign a static IPv4 address
  rename NAME          rename the computer (takes effect after restart)
  timezone [ID]        set the time zone, or list zones with --list
  activation           show the Windows activation status

Global flags:
`

// deps are the process edges, replaceable in tests.
type deps struct {
	in          io.Reader
	out         io.Writer
	errOut      io.Writer
	interactive bool
	runner      runner.Runner
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args, deps{
		in:          os.Stdin,
		out:         os.Stdout,
		errOut:      os.Stderr,
		interactive: logging.IsTerminal(os.Stdin),
	})
	stop()
	os.Exit(code)
}

type app struct {
	deps    deps
	cfg     config.CLI
	session *pipeline.Session
	con     *console.Console
	logger  *slog.Logger
}

func run(ctx context.Context, args []string, d deps) int {
	var cfg config.CLI
	// Only the environment and .env apply here; flags are pflag's.
	if err := config.LoadConfig(&cfg, &[]string{args[0]}); err != nil {
		fmt.Fprintln(d.errOut, err)
		return exitUsage
	}

	global := pflag.NewFlagSet("stagectl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(d.errOut)
	global.Usage = func() {
		fmt.Fprint(d.errOut, usage)
		global.PrintDefaults()
	}
	global.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	global.BoolVar(&cfg.Log.JSON, "log-json", cfg.Log.JSON, "always log JSON")
	global.StringVar(&cfg.Staging.Runner, "runner", cfg.Staging.Runner, "command runner: powershell or wmi")
	global.StringVar(&cfg.Staging.PowerShellPath, "powershell", cfg.Staging.PowerShellPath, "PowerShell executable")
	global.StringVar(&cfg.Staging.ExportDir, "export-dir", cfg.Staging.ExportDir, "directory for device export files")
	if err := global.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if err := config.NewValidator().Struct(&cfg); err != nil {
		fmt.Fprintln(d.errOut, err)
		return exitUsage
	}
	if global.NArg() == 0 {
		global.Usage()
		return exitUsage
	}

	logger := logging.New(d.errOut, cfg.Log.SlogLevel(), cfg.Log.JSON)

	r := d.runner
	if r == nil {
		var err error
		r, err = runner.New(cfg.Staging.Runner, cfg.Staging.PowerShellPath, logger)
		if err != nil {
			fmt.Fprintln(d.errOut, err)
			return exitFailure
		}
	}

	store, err := audit.New()
	if err != nil {
		fmt.Fprintln(d.errOut, err)
		return exitFailure
	}
	defer store.Close()

	a := &app{
		deps:   d,
		cfg:    cfg,
		con:    console.New(d.in, d.out),
		logger: logger,
		session: pipeline.New(r, store, pipeline.Options{
			InterfaceAlias: cfg.Staging.InterfaceAlias,
			ExportDir:      cfg.Staging.ExportDir,
			Logger:         logger,
		}),
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "devices":
		return a.devices(ctx, rest)
	case "envvar":
		return a.envvar(ctx, rest)
	case "dhcp":
		return a.dhcp(ctx, rest)
	case "static-ip":
		return a.staticIP(ctx, rest)
	case "rename":
		return a.rename(ctx, rest)
	case "timezone":
		return a.timezone(ctx, rest)
	case "activation":
		return a.activation(ctx, rest)
	}
	fmt.Fprintf(d.errOut, "unknown command %q\n\n", cmd)
	global.Usage()
	return exitUsage
}

func (a *app) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.deps.errOut)
	return fs
}

// parse returns exitOK and false when fs printed help, exitUsage and false
// on a bad flag, and true when the command should run.
func parse(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK, false
		}
		return exitUsage, false
	}
	return exitOK, true
}

func (a *app) devices(ctx context.Context, args []string) int {
	fs := a.flags("devices")
	format := fs.StringP("format", "f", "json", "export format: json or yaml")
	save := fs.BoolP("export", "e", false, "write the list to a timestamped file in the export directory")
	pause := fs.Bool("pause", false, "wait for Enter before exiting")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	f, err := export.ParseFormat(*format)
	if err != nil {
		a.con.Error("%v", err)
		return exitUsage
	}

	a.con.Info("Scanning hardware...")
	list, err := a.session.Scan(ctx)
	if err != nil {
		a.con.Error("Scan failed: %v", err)
		return exitFailure
	}
	a.con.Devices(list)

	if *save {
		path, err := a.session.ExportFile(f)
		if err != nil {
			a.con.Error("Export failed: %v", err)
			return exitFailure
		}
		a.con.Success("[SUCCESS] Exported %d devices to %s", len(list), path)
	}
	if *pause {
		// EOF or an interrupt ends the wait the same as Enter.
		_, _ = a.con.ReadLine(ctx, "Press Enter to exit...")
	}
	return exitOK
}

func (a *app) envvar(ctx context.Context, args []string) int {
	fs := a.flags("envvar")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if !a.deps.interactive {
		a.con.Error("envvar needs an interactive terminal")
		return exitUsage
	}
	if err := a.con.EditEnv(ctx, a.session); err != nil {
		if ctx.Err() != nil {
			return exitOK
		}
		a.con.Error("%v", err)
		return exitFailure
	}
	return exitOK
}

func (a *app) dhcp(ctx context.Context, args []string) int {
	fs := a.flags("dhcp")
	alias := fs.StringP("interface", "i", a.cfg.Staging.InterfaceAlias, "network adapter alias")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	return a.submit(ctx, &models.ChangeRequest{
		Kind:    models.KindNetwork,
		Network: &models.NetworkConfig{Mode: models.ModeDHCP, InterfaceAlias: *alias},
	})
}

func (a *app) staticIP(ctx context.Context, args []string) int {
	fs := a.flags("static-ip")
	alias := fs.StringP("interface", "i", a.cfg.Staging.InterfaceAlias, "network adapter alias")
	ip := fs.String("ip", "", "IPv4 address")
	mask := fs.String("mask", "255.255.255.0", "subnet mask, dotted or prefix length")
	gateway := fs.String("gateway", "", "default gateway")
	dns := fs.StringSlice("dns", nil, "DNS servers, comma separated")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	return a.submit(ctx, &models.ChangeRequest{
		Kind: models.KindNetwork,
		Network: &models.NetworkConfig{
			Mode:           models.ModeStatic,
			InterfaceAlias: *alias,
			IPAddress:      *ip,
			SubnetMask:     *mask,
			Gateway:        *gateway,
			DNSServers:     *dns,
		},
	})
}

func (a *app) rename(ctx context.Context, args []string) int {
	fs := a.flags("rename")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		a.con.Error("usage: stagectl rename NAME")
		return exitUsage
	}
	return a.submit(ctx, &models.ChangeRequest{
		Kind:     models.KindHostname,
		Hostname: &models.HostnameChange{NewName: fs.Arg(0)},
	})
}

func (a *app) timezone(ctx context.Context, args []string) int {
	fs := a.flags("timezone")
	list := fs.BoolP("list", "l", false, "list available time zone ids")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if *list {
		ids, err := a.session.Timezones(ctx)
		if err != nil {
			a.con.Error("List time zones: %v", err)
			return exitFailure
		}
		fmt.Fprintln(a.deps.out, strings.Join(ids, "\n"))
		return exitOK
	}
	if fs.NArg() != 1 {
		a.con.Error("usage: stagectl timezone ID (or --list)")
		return exitUsage
	}
	return a.submit(ctx, &models.ChangeRequest{
		Kind:     models.KindTimezone,
		Timezone: &models.TimezoneChange{ID: fs.Arg(0)},
	})
}

func (a *app) activation(ctx context.Context, args []string) int {
	fs := a.flags("activation")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	st, err := a.session.Activation(ctx)
	if err != nil {
		a.con.Error("Activation check failed: %v", err)
		return exitFailure
	}
	for _, p := range st.Products {
		a.con.Info("%s: %s", p.Name, p.Status)
	}
	if st.Activated {
		a.con.Success("Windows is activated")
	} else {
		a.con.Warn("Windows is not activated")
	}
	return exitOK
}

// submit runs req through the pipeline and reports the outcome. Without a
// terminal there is nobody to confirm, so the change is cancelled.
func (a *app) submit(ctx context.Context, req *models.ChangeRequest) int {
	var gate *confirm.Gate
	if a.deps.interactive {
		gate = confirm.New(a.con)
	} else {
		a.con.Warn("stdin is not a terminal; the change cannot be confirmed")
	}

	res, err := a.session.Submit(ctx, req, gate)
	var verr *validate.ValidationError
	var xerr *executor.ExecutionError
	switch {
	case errors.As(err, &verr):
		a.con.Error("Invalid input: %v", verr)
		return exitFailure
	case errors.As(err, &xerr):
		a.con.Result(res)
		return exitFailure
	case err != nil:
		a.con.Error("%v", err)
		return exitFailure
	}
	a.con.Result(res)
	return exitOK
}
