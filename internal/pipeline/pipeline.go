// Package pipeline owns one staging session: the scanned device list, the
// change pipeline (validate, confirm, apply) and the audit trail.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphummel/staging_kit/internal/audit"
	"github.com/tphummel/staging_kit/internal/confirm"
	"github.com/tphummel/staging_kit/internal/devices"
	"github.com/tphummel/staging_kit/internal/executor"
	"github.com/tphummel/staging_kit/internal/export"
	"github.com/tphummel/staging_kit/internal/inspect"
	"github.com/tphummel/staging_kit/internal/metrics"
	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/runner"
	"github.com/tphummel/staging_kit/internal/validate"
)

// ErrNoDevices is returned when exporting before any scan or import.
var ErrNoDevices = errors.New("no device list: scan or import first")

// Options configures a Session.
type Options struct {
	// InterfaceAlias is used for network changes that name none.
	InterfaceAlias string
	// ExportDir receives timestamped export files.
	ExportDir string
	Logger    *slog.Logger
}

// Session is safe for concurrent use.
type Session struct {
	runner    runner.Runner
	audit     *audit.Store
	enum      *devices.Enumerator
	validator *validate.Validator
	inspector *inspect.Inspector
	exec      *executor.Executor
	opts      Options
	logger    *slog.Logger

	mu      sync.RWMutex
	devices []models.DeviceRecord
	scanned bool

	Now   func() time.Time
	NewID func() string
}

// New returns a Session issuing OS calls through r and recording results in
// store.
func New(r runner.Runner, store *audit.Store, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "."
	}
	return &Session{
		runner:    r,
		audit:     store,
		enum:      devices.NewEnumerator(r, logger),
		validator: validate.New(r),
		inspector: inspect.NewInspector(r, logger),
		exec:      executor.New(r, store, logger),
		opts:      opts,
		logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     func() string { return uuid.New().String() },
	}
}

// Inspector exposes the old-value lookup so callers can stub host state.
func (s *Session) Inspector() *inspect.Inspector { return s.inspector }

// Scan enumerates devices and replaces the session's list.
func (s *Session) Scan(ctx context.Context) ([]models.DeviceRecord, error) {
	list, err := s.enum.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.devices = list
	s.scanned = true
	s.mu.Unlock()
	s.logger.Info("device scan complete", "devices", len(list))
	return slices.Clone(list), nil
}

// Devices returns the current list, scanning first if there is none or
// refresh is set.
func (s *Session) Devices(ctx context.Context, refresh bool) ([]models.DeviceRecord, error) {
	s.mu.RLock()
	list, ok := slices.Clone(s.devices), s.scanned
	s.mu.RUnlock()
	if ok && !refresh {
		return list, nil
	}
	return s.Scan(ctx)
}

// Export serializes the current list. It does not scan.
func (s *Session) Export(format export.Format) ([]byte, error) {
	list, err := s.current()
	if err != nil {
		return nil, err
	}
	return export.Export(list, format)
}

// ExportFile writes the current list to a timestamped file in the export
// directory and returns its path.
func (s *Session) ExportFile(format export.Format) (string, error) {
	list, err := s.current()
	if err != nil {
		return "", err
	}
	path, err := export.WriteFile(s.opts.ExportDir, list, format, s.Now())
	if err != nil {
		return "", err
	}
	s.logger.Info("device list exported", "path", path, "devices", len(list))
	return path, nil
}

// Import replaces the session's list with the devices in doc.
func (s *Session) Import(doc []byte, format export.Format) ([]models.DeviceRecord, error) {
	list, err := export.Import(doc, format)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.devices = list
	s.scanned = true
	s.mu.Unlock()
	return slices.Clone(list), nil
}

func (s *Session) current() ([]models.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.scanned {
		return nil, ErrNoDevices
	}
	return slices.Clone(s.devices), nil
}

// MachineEnv lists machine-scoped environment variables.
func (s *Session) MachineEnv(ctx context.Context) (map[string]string, error) {
	return inspect.MachineEnv(ctx, s.runner)
}

// Timezones lists the zone ids the OS accepts.
func (s *Session) Timezones(ctx context.Context) ([]string, error) {
	return inspect.Timezones(ctx, s.runner)
}

// Activation reports the Windows licensing state. Nothing is changed.
func (s *Session) Activation(ctx context.Context) (inspect.ActivationStatus, error) {
	return inspect.Activation(ctx, s.runner)
}

// History returns the audit trail in order.
func (s *Session) History() ([]models.ChangeResult, error) {
	return s.audit.List()
}

// Submit runs req through validation, the confirmation gate and, if
// confirmed, the executor.
//
// A validation failure returns the error and records nothing. A declined or
// unanswered gate records a cancelled result and never reaches the OS. Apply
// failures are returned alongside the recorded result.
func (s *Session) Submit(ctx context.Context, req *models.ChangeRequest, gate *confirm.Gate) (models.ChangeResult, error) {
	if req == nil {
		return models.ChangeResult{}, &validate.ValidationError{Reason: "empty request"}
	}
	if req.ID == "" {
		req.ID = s.NewID()
	}
	req.CreatedAt = s.Now()
	req.RequiresConfirmation = true
	req.State = models.StateCreated
	if req.Network != nil && req.Network.InterfaceAlias == "" {
		req.Network.InterfaceAlias = s.opts.InterfaceAlias
	}

	log := s.logger.With("request_id", req.ID, "kind", req.Kind)

	if err := s.validator.Validate(ctx, req); err != nil {
		log.Warn("change rejected", "error", err)
		return models.ChangeResult{}, err
	}
	if err := req.Advance(models.StateValidated); err != nil {
		return models.ChangeResult{}, err
	}

	s.inspector.Fill(ctx, req)

	decision := gate.Confirm(ctx, req)
	if !decision.Proceed {
		if err := req.Advance(models.StateCancelled); err != nil {
			return models.ChangeResult{}, err
		}
		log.Info("change cancelled", "reason", decision.Reason)
		return s.cancelled(req, decision.Reason)
	}

	if err := req.Advance(models.StateConfirmed); err != nil {
		return models.ChangeResult{}, err
	}
	if err := req.Advance(models.StateApplied); err != nil {
		return models.ChangeResult{}, err
	}
	return s.exec.Apply(ctx, req)
}

func (s *Session) cancelled(req *models.ChangeRequest, reason string) (models.ChangeResult, error) {
	res := models.ChangeResult{
		ID:        s.NewID(),
		Request:   *req,
		Outcome:   models.OutcomeCancelled,
		Message:   reason,
		Timestamp: s.Now(),
	}
	metrics.ObserveChange(string(req.Kind), string(res.Outcome), 0)
	if err := s.audit.Append(res); err != nil {
		return res, fmt.Errorf("record result: %w", err)
	}
	return res, nil
}
