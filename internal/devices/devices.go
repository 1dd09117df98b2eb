// Package devices enumerates Plug-and-Play entities through the command
// runner and normalizes them into a deterministic list.
package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/tphummel/staging_kit/internal/metrics"
	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/runner"
)

// EnumerationError reports a failed device query. It is not retried.
type EnumerationError struct {
	Err error
}

func (e *EnumerationError) Error() string { return "enumerate devices: " + e.Err.Error() }

func (e *EnumerationError) Unwrap() error { return e.Err }

// rawRow is one PnP row as emitted by the runner. Any field may be null.
type rawRow struct {
	Name         *string `json:"Name"`
	Manufacturer *string `json:"Manufacturer"`
	DeviceID     *string `json:"DeviceID"`
}

// Enumerator queries devices. Concurrent calls to Enumerate while a query is
// in flight share that query's result.
type Enumerator struct {
	runner runner.Runner
	logger *slog.Logger
	group  singleflight.Group
}

// NewEnumerator returns an Enumerator backed by r.
func NewEnumerator(r runner.Runner, logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{runner: r, logger: logger}
}

// Enumerate returns the normalized device list. If ctx is done before the
// query finishes the caller stops waiting; the query itself keeps running
// for any other waiters.
func (e *Enumerator) Enumerate(ctx context.Context) ([]models.DeviceRecord, error) {
	ch := e.group.DoChan("pnp", func() (any, error) {
		// Detached from any single caller so one abandoned wait does not
		// fail the coalesced query for the rest.
		return e.query(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.([]models.DeviceRecord)
		return slices.Clone(shared), nil
	}
}

func (e *Enumerator) query(ctx context.Context) ([]models.DeviceRecord, error) {
	start := time.Now()
	out, err := e.runner.Run(ctx, runner.Command{Op: runner.OpQueryPnPEntities})
	if err != nil {
		metrics.ObserveEnumeration(0, time.Since(start), err)
		e.logger.Error("device enumeration failed", "error", err)
		return nil, &EnumerationError{Err: err}
	}

	rows, err := parseRows(out.Stdout)
	if err != nil {
		metrics.ObserveEnumeration(0, time.Since(start), err)
		return nil, &EnumerationError{Err: err}
	}

	list := Normalize(rows)
	metrics.ObserveEnumeration(len(list), time.Since(start), nil)
	e.logger.Info("device enumeration complete",
		"rows", len(rows),
		"devices", len(list),
		"duration", time.Since(start),
	)
	return list, nil
}

// parseRows decodes runner output. A single object is accepted as a
// one-element list and empty output as no devices.
func parseRows(b []byte) ([]models.DeviceRecord, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}

	var raw []rawRow
	if b[0] == '{' {
		var one rawRow
		if err := json.Unmarshal(b, &one); err != nil {
			return nil, fmt.Errorf("decode pnp row: %w", err)
		}
		raw = []rawRow{one}
	} else if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode pnp rows: %w", err)
	}

	rows := make([]models.DeviceRecord, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, models.DeviceRecord{
			Name:         deref(r.Name),
			Manufacturer: deref(r.Manufacturer),
			DeviceID:     deref(r.DeviceID),
		})
	}
	return rows, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// Normalize drops rows without a DeviceID, keeps the last row seen for each
// DeviceID, and sorts by case-folded name then DeviceID.
func Normalize(rows []models.DeviceRecord) []models.DeviceRecord {
	index := make(map[string]int, len(rows))
	out := make([]models.DeviceRecord, 0, len(rows))
	for _, r := range rows {
		if r.DeviceID == "" {
			continue
		}
		if i, ok := index[r.DeviceID]; ok {
			out[i] = r
			continue
		}
		index[r.DeviceID] = len(out)
		out = append(out, r)
	}
	Sort(out)
	return out
}

// Sort orders devices by case-folded name, ties broken by DeviceID.
func Sort(list []models.DeviceRecord) {
	fold := cases.Fold()
	slices.SortFunc(list, func(a, b models.DeviceRecord) int {
		if c := strings.Compare(fold.String(a.Name), fold.String(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
}
