// Package export converts device lists to and from a re-loadable document.
//
// The document is an ordered array of objects with the fields name,
// manufacturer and deviceId, in that order. It carries no version field.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tphummel/staging_kit/internal/devices"
	"github.com/tphummel/staging_kit/internal/models"
)

// Format is a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps a user-supplied name to a Format; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// SerializationError reports a structurally incomplete record or an
// undecodable document.
type SerializationError struct {
	Index  int
	Reason string
	Err    error
}

func (e *SerializationError) Error() string {
	msg := e.Reason
	if e.Index >= 0 {
		msg = fmt.Sprintf("record %d: %s", e.Index, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SerializationError) Unwrap() error { return e.Err }

// record pins the document's field names and order. Pointers distinguish a
// missing key from an empty value on import.
type record struct {
	Name         *string `json:"name" yaml:"name"`
	Manufacturer *string `json:"manufacturer" yaml:"manufacturer"`
	DeviceID     *string `json:"deviceId" yaml:"deviceId"`
}

// Export encodes list in order. It fails only when a record has no DeviceID.
func Export(list []models.DeviceRecord, format Format) ([]byte, error) {
	recs := make([]record, 0, len(list))
	for i, d := range list {
		if d.DeviceID == "" {
			return nil, &SerializationError{Index: i, Reason: "missing deviceId"}
		}
		recs = append(recs, record{
			Name:         &d.Name,
			Manufacturer: &d.Manufacturer,
			DeviceID:     &d.DeviceID,
		})
	}

	switch format {
	case FormatJSON, "":
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "    ")
		if err := enc.Encode(recs); err != nil {
			return nil, &SerializationError{Index: -1, Reason: "encode json", Err: err}
		}
		return buf.Bytes(), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(recs); err != nil {
			return nil, &SerializationError{Index: -1, Reason: "encode yaml", Err: err}
		}
		if err := enc.Close(); err != nil {
			return nil, &SerializationError{Index: -1, Reason: "encode yaml", Err: err}
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

// Import decodes a document and returns its devices normalized (deduplicated
// by DeviceID and sorted). Every record must carry all three fields and a
// non-empty deviceId.
func Import(doc []byte, format Format) ([]models.DeviceRecord, error) {
	var recs []record
	switch format {
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(doc))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&recs); err != nil {
			return nil, &SerializationError{Index: -1, Reason: "decode json", Err: err}
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(doc))
		dec.KnownFields(true)
		if err := dec.Decode(&recs); err != nil {
			return nil, &SerializationError{Index: -1, Reason: "decode yaml", Err: err}
		}
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}

	list := make([]models.DeviceRecord, 0, len(recs))
	for i, r := range recs {
		switch {
		case r.Name == nil:
			return nil, &SerializationError{Index: i, Reason: "missing name"}
		case r.Manufacturer == nil:
			return nil, &SerializationError{Index: i, Reason: "missing manufacturer"}
		case r.DeviceID == nil || *r.DeviceID == "":
			return nil, &SerializationError{Index: i, Reason: "missing deviceId"}
		}
		list = append(list, models.DeviceRecord{
			Name:         *r.Name,
			Manufacturer: *r.Manufacturer,
			DeviceID:     *r.DeviceID,
		})
	}
	return devices.Normalize(list), nil
}

// FileName returns the timestamped export name for t, e.g.
// hardware_scan_20250102_150405.json.
func FileName(t time.Time, format Format) string {
	ext := "json"
	if format == FormatYAML {
		ext = "yaml"
	}
	return fmt.Sprintf("hardware_scan_%s.%s", t.Format("20060102_150405"), ext)
}

// WriteFile exports list into dir under a timestamped name and returns the
// path written.
func WriteFile(dir string, list []models.DeviceRecord, format Format, now time.Time) (string, error) {
	b, err := Export(list, format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, FileName(now, format))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}
