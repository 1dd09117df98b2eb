package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tphummel/staging_kit/internal/audit"
	"github.com/tphummel/staging_kit/internal/confirm"
	"github.com/tphummel/staging_kit/internal/devices"
	"github.com/tphummel/staging_kit/internal/executor"
	"github.com/tphummel/staging_kit/internal/export"
	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/middleware"
	"github.com/tphummel/staging_kit/internal/pipeline"
	"github.com/tphummel/staging_kit/internal/runner"
	"github.com/tphummel/staging_kit/internal/validate"
)

const (
	maxChangeBody = 64 * 1024
	maxImportBody = 8 << 20
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	Session *pipeline.Session
	Audit   *audit.Store
	Version string
	Commit  string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps pipeline errors to a status code.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validate.ValidationError
	var serr *export.SerializationError
	var eerr *devices.EnumerationError
	var rerr *runner.Error
	switch {
	case errors.As(err, &verr):
		body := map[string]string{"error": verr.Error()}
		if verr.Field != "" {
			body["field"] = verr.Field
		}
		writeJSON(w, http.StatusUnprocessableEntity, body)
	case errors.As(err, &serr):
		writeError(w, http.StatusBadRequest, serr.Error())
	case errors.Is(err, pipeline.ErrNoDevices):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.As(err, &eerr), errors.As(err, &rerr):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.ErrorContext(r.Context(), "request failed", "error", err, "request_id", middleware.RequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Health handles GET /healthz. No auth required.
// Returns 503 if the audit store is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Audit.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
	})
}

// ListDevices handles GET /api/v1/devices with an optional ?refresh=true to
// force a new scan.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid refresh")
			return
		}
		refresh = b
	}

	list, err := h.Session.Devices(r.Context(), refresh)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if list == nil {
		list = []models.DeviceRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func formatParam(w http.ResponseWriter, r *http.Request) (export.Format, bool) {
	f, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid format")
		return "", false
	}
	return f, true
}

func contentType(f export.Format) string {
	if f == export.FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// ExportDevices handles GET /api/v1/devices/export?format=json|yaml. It
// serializes the last scanned or imported list without rescanning.
func (h *Handler) ExportDevices(w http.ResponseWriter, r *http.Request) {
	format, ok := formatParam(w, r)
	if !ok {
		return
	}
	b, err := h.Session.Export(format)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType(format))
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

// ExportDevicesFile handles POST /api/v1/devices/export/file?format=. The
// document is written on the host under a timestamped name.
func (h *Handler) ExportDevicesFile(w http.ResponseWriter, r *http.Request) {
	format, ok := formatParam(w, r)
	if !ok {
		return
	}
	path, err := h.Session.ExportFile(format)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// ImportDevices handles POST /api/v1/devices/import?format=. The body
// replaces the session's device list.
func (h *Handler) ImportDevices(w http.ResponseWriter, r *http.Request) {
	format, ok := formatParam(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	list, err := h.Session.Import(doc, format)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// changeBody is the POST /api/v1/changes payload. Confirm carries the
// answer to the confirmation prompt; only "y" or "yes" applies the change.
type changeBody struct {
	Kind     models.ChangeKind      `json:"kind"`
	Network  *models.NetworkConfig  `json:"network,omitempty"`
	EnvVar   *models.EnvVarChange   `json:"envVar,omitempty"`
	Hostname *models.HostnameChange `json:"hostname,omitempty"`
	Timezone *models.TimezoneChange `json:"timezone,omitempty"`
	Confirm  string                 `json:"confirm"`
}

// SubmitChange handles POST /api/v1/changes.
func (h *Handler) SubmitChange(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChangeBody)
	var body changeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	req := &models.ChangeRequest{
		Kind:     body.Kind,
		Network:  body.Network,
		EnvVar:   body.EnvVar,
		Hostname: body.Hostname,
		Timezone: body.Timezone,
	}
	gate := confirm.New(confirm.Answer(body.Confirm))

	res, err := h.Session.Submit(r.Context(), req, gate)
	var xerr *executor.ExecutionError
	switch {
	case errors.As(err, &xerr):
		writeJSON(w, http.StatusBadGateway, res)
	case err != nil:
		writeFailure(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// ListChanges handles GET /api/v1/changes. Results are in submission order.
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	results, err := h.Session.History()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list changes")
		return
	}
	if results == nil {
		results = []models.ChangeResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// GetChange handles GET /api/v1/changes/{id}. id is the request id returned
// by POST /api/v1/changes; an audit entry id is accepted too.
func (h *Handler) GetChange(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.Audit.GetByRequestID(id)
	if errors.Is(err, sql.ErrNoRows) {
		res, err = h.Audit.GetByID(id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "change not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get change")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MachineEnv handles GET /api/v1/env.
func (h *Handler) MachineEnv(w http.ResponseWriter, r *http.Request) {
	env, err := h.Session.MachineEnv(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// Activation handles GET /api/v1/activation.
func (h *Handler) Activation(w http.ResponseWriter, r *http.Request) {
	st, err := h.Session.Activation(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Timezones handles GET /api/v1/timezones.
func (h *Handler) Timezones(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Session.Timezones(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}
