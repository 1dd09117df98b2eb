// Package validate checks proposed changes before they can be confirmed or
// applied. Apart from two read-only lookups (machine environment variables
// and available time zones) validation has no side effects.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tphummel/staging_kit/internal/inspect"
	"github.com/tphummel/staging_kit/internal/models"
	"github.com/tphummel/staging_kit/internal/runner"
)

// ValidationError reports malformed or inconsistent input. No system call
// has been made when one is returned.
type ValidationError struct {
	Kind   models.ChangeKind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s change: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s change: %s: %s", e.Kind, e.Field, e.Reason)
}

// hostLabel is one DNS label: alphanumerics and hyphens, 1-63 characters,
// no leading or trailing hyphen.
var hostLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

type staticFields struct {
	IPAddress  string   `json:"ipAddress" validate:"required,ipv4"`
	SubnetMask string   `json:"subnetMask" validate:"required,subnet_mask"`
	Gateway    string   `json:"gateway" validate:"required,ipv4"`
	DNSServers []string `json:"dnsServers" validate:"dive,ip"`
}

type envFields struct {
	Name     string `json:"name" validate:"required"`
	NewValue string `json:"newValue" validate:"required"`
	Scope    string `json:"scope" validate:"eq=machine"`
}

type hostnameFields struct {
	NewName string `json:"newName" validate:"required,max=253,hostname_labels"`
}

type timezoneFields struct {
	ID string `json:"id" validate:"required"`
}

// Validator checks ChangeRequests.
type Validator struct {
	runner runner.Runner
	v      *validator.Validate
}

// New returns a Validator that performs its read-only lookups through r.
func New(r runner.Runner) *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("subnet_mask", func(fl validator.FieldLevel) bool {
		_, err := MaskBits(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("hostname_labels", func(fl validator.FieldLevel) bool {
		return validHostname(fl.Field().String())
	})
	return &Validator{runner: r, v: v}
}

// Validate returns nil if req may proceed to confirmation, a
// *ValidationError if the input is wrong, or another error if a lookup
// needed to decide could not be made.
func (val *Validator) Validate(ctx context.Context, req *models.ChangeRequest) error {
	if req == nil {
		return &ValidationError{Reason: "empty request"}
	}
	if !models.ValidKinds[req.Kind] {
		return &ValidationError{Kind: req.Kind, Reason: "unknown change kind"}
	}

	switch req.Kind {
	case models.KindNetwork:
		if req.Network == nil {
			return missingPayload(req.Kind)
		}
		return val.network(req.Network)
	case models.KindEnvVar:
		if req.EnvVar == nil {
			return missingPayload(req.Kind)
		}
		return val.envVar(ctx, req.EnvVar)
	case models.KindHostname:
		if req.Hostname == nil {
			return missingPayload(req.Kind)
		}
		return val.structErr(req.Kind, hostnameFields{NewName: req.Hostname.NewName})
	case models.KindTimezone:
		if req.Timezone == nil {
			return missingPayload(req.Kind)
		}
		return val.timezone(ctx, req.Timezone)
	}
	return nil
}

func missingPayload(kind models.ChangeKind) error {
	return &ValidationError{Kind: kind, Reason: "missing payload"}
}

func (val *Validator) network(n *models.NetworkConfig) error {
	kind := models.KindNetwork
	switch n.Mode {
	case models.ModeDHCP:
		// Static fields are ignored.
		return nil
	case models.ModeStatic:
	default:
		return &ValidationError{Kind: kind, Field: "mode", Reason: fmt.Sprintf("must be %q or %q", models.ModeDHCP, models.ModeStatic)}
	}

	if err := val.structErr(kind, staticFields{
		IPAddress:  n.IPAddress,
		SubnetMask: n.SubnetMask,
		Gateway:    n.Gateway,
		DNSServers: n.DNSServers,
	}); err != nil {
		return err
	}

	// The validator's ipv4 rule accepts IPv4-mapped IPv6 text; require a
	// plain dotted quad.
	ip, err := dottedQuad(n.IPAddress)
	if err != nil {
		return &ValidationError{Kind: kind, Field: "ipAddress", Reason: err.Error()}
	}
	gw, err := dottedQuad(n.Gateway)
	if err != nil {
		return &ValidationError{Kind: kind, Field: "gateway", Reason: err.Error()}
	}
	maskBits, _ := MaskBits(n.SubnetMask)

	subnet := netip.PrefixFrom(ip, maskBits).Masked()
	if !subnet.Contains(gw) {
		return &ValidationError{Kind: kind, Field: "gateway", Reason: fmt.Sprintf("%s is not in subnet %s", gw, subnet)}
	}
	return nil
}

func (val *Validator) envVar(ctx context.Context, c *models.EnvVarChange) error {
	kind := models.KindEnvVar
	scope := c.Scope
	if scope == "" {
		scope = models.ScopeMachine
	}
	// NewValue only has to be non-empty.
	if err := val.structErr(kind, envFields{Name: c.Name, NewValue: c.NewValue, Scope: string(scope)}); err != nil {
		return err
	}

	env, err := inspect.MachineEnv(ctx, val.runner)
	if err != nil {
		return fmt.Errorf("look up machine environment: %w", err)
	}
	if _, _, ok := inspect.LookupEnv(env, c.Name); !ok {
		return &ValidationError{Kind: kind, Field: "name", Reason: fmt.Sprintf("machine variable %q does not exist", c.Name)}
	}
	return nil
}

func (val *Validator) timezone(ctx context.Context, tz *models.TimezoneChange) error {
	kind := models.KindTimezone
	if err := val.structErr(kind, timezoneFields{ID: tz.ID}); err != nil {
		return err
	}
	ids, err := inspect.Timezones(ctx, val.runner)
	if err != nil {
		return fmt.Errorf("list time zones: %w", err)
	}
	for _, id := range ids {
		if id == tz.ID {
			return nil
		}
	}
	return &ValidationError{Kind: kind, Field: "id", Reason: fmt.Sprintf("unknown time zone %q", tz.ID)}
}

// structErr runs tag validation and converts the first failure.
func (val *Validator) structErr(kind models.ChangeKind, s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Kind: kind, Reason: err.Error()}
	}
	fe := fieldErrs[0]
	field := fe.Field()
	if fe.Namespace() != "" {
		// Namespace is "staticFields.dnsServers[1]"; drop the type name.
		if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
			field = rest
		}
	}
	return &ValidationError{Kind: kind, Field: field, Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "ipv4":
		return fmt.Sprintf("%q is not a valid IPv4 address", fe.Value())
	case "ip":
		return fmt.Sprintf("%q is not a valid IP address", fe.Value())
	case "subnet_mask":
		return fmt.Sprintf("%q is not a valid subnet mask", fe.Value())
	case "hostname_labels":
		return "must be dot-separated labels of 1-63 letters, digits or hyphens, not starting or ending with a hyphen"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "eq":
		return fmt.Sprintf("must be %q", fe.Param())
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}

func validHostname(s string) bool {
	if s == "" {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if !hostLabel.MatchString(label) {
			return false
		}
	}
	return true
}

func dottedQuad(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Addr{}, fmt.Errorf("%q is not a dotted-quad IPv4 address", s)
	}
	return a, nil
}

// MaskBits parses a subnet mask given as a dotted quad ("255.255.255.0") or
// a prefix length ("24" or "/24") and returns the prefix length. Dotted
// masks must have contiguous set bits.
func MaskBits(s string) (int, error) {
	s = strings.TrimSpace(s)
	if p, ok := strings.CutPrefix(s, "/"); ok || !strings.Contains(s, ".") {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 32 {
			return 0, fmt.Errorf("invalid prefix length %q", s)
		}
		return n, nil
	}

	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return 0, fmt.Errorf("invalid mask %q", s)
	}
	b := a.As4()
	m := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	inv := ^m
	if inv&(inv+1) != 0 {
		return 0, fmt.Errorf("mask %q has non-contiguous bits", s)
	}
	return bits.OnesCount32(m), nil
}
