package models

import (
	"fmt"
	"strings"
	"time"
)

// DeviceRecord is one Plug-and-Play entity from a hardware scan. DeviceID is
// its identity.
type DeviceRecord struct {
	Name         string `json:"name" yaml:"name"`
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	DeviceID     string `json:"deviceId" yaml:"deviceId"`
}

// NetworkMode selects how the adapter gets its address.
type NetworkMode string

const (
	ModeDHCP   NetworkMode = "dhcp"
	ModeStatic NetworkMode = "static"
)

// NetworkConfig is the requested adapter configuration. The static fields are
// only meaningful when Mode is ModeStatic.
type NetworkConfig struct {
	Mode           NetworkMode `json:"mode"`
	InterfaceAlias string      `json:"interfaceAlias,omitempty"`
	IPAddress      string      `json:"ipAddress,omitempty"`
	SubnetMask     string      `json:"subnetMask,omitempty"`
	Gateway        string      `json:"gateway,omitempty"`
	DNSServers     []string    `json:"dnsServers,omitempty"`

	// CurrentAddresses lists the adapter's addresses at request time, if known.
	CurrentAddresses []string `json:"currentAddresses,omitempty"`
}

// Scope of an environment variable. Only machine scope is supported.
type Scope string

const ScopeMachine Scope = "machine"

// EnvVarChange replaces the value of an existing machine-scoped variable.
type EnvVarChange struct {
	Name     string  `json:"name"`
	OldValue *string `json:"oldValue,omitempty"`
	NewValue string  `json:"newValue"`
	Scope    Scope   `json:"scope"`
}

// HostnameChange renames the machine.
type HostnameChange struct {
	NewName string `json:"newName"`
	OldName string `json:"oldName,omitempty"`
}

// TimezoneChange sets the system time zone by OS zone id.
type TimezoneChange struct {
	ID    string `json:"id"`
	OldID string `json:"oldId,omitempty"`
}

// ChangeKind identifies which payload of a ChangeRequest is set.
type ChangeKind string

const (
	KindNetwork  ChangeKind = "network"
	KindEnvVar   ChangeKind = "envVar"
	KindHostname ChangeKind = "hostname"
	KindTimezone ChangeKind = "timezone"
)

// ValidKinds is the set of allowed change kind values.
var ValidKinds = map[ChangeKind]bool{
	KindNetwork:  true,
	KindEnvVar:   true,
	KindHostname: true,
	KindTimezone: true,
}

// State is a request's position in the change pipeline.
type State string

const (
	StateCreated   State = "created"
	StateValidated State = "validated"
	StateConfirmed State = "confirmed"
	StateApplied   State = "applied"
	StateCancelled State = "cancelled"
)

// predecessor maps each state to the only state it may be entered from.
var predecessor = map[State]State{
	StateValidated: StateCreated,
	StateConfirmed: StateValidated,
	StateApplied:   StateConfirmed,
	StateCancelled: StateValidated,
}

// ChangeRequest is one typed, user-intended system change.
type ChangeRequest struct {
	ID        string          `json:"id"`
	Kind      ChangeKind      `json:"kind"`
	Network   *NetworkConfig  `json:"network,omitempty"`
	EnvVar    *EnvVarChange   `json:"envVar,omitempty"`
	Hostname  *HostnameChange `json:"hostname,omitempty"`
	Timezone  *TimezoneChange `json:"timezone,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`

	// RequiresConfirmation is always true: every change is irreversible at
	// the OS level.
	RequiresConfirmation bool  `json:"requiresConfirmation"`
	State                State `json:"state"`
}

// Advance moves the request to next, refusing any transition that skips a
// predecessor.
func (r *ChangeRequest) Advance(next State) error {
	want, ok := predecessor[next]
	if !ok || r.State != want {
		return fmt.Errorf("illegal transition %s -> %s", r.State, next)
	}
	r.State = next
	return nil
}

// Describe renders the pending change for a confirmation prompt, with the old
// value when it is known.
func (r *ChangeRequest) Describe() string {
	switch r.Kind {
	case KindNetwork:
		if r.Network == nil {
			break
		}
		n := r.Network
		current := "(unknown)"
		if len(n.CurrentAddresses) > 0 {
			current = strings.Join(n.CurrentAddresses, ", ")
		}
		if n.Mode == ModeDHCP {
			return fmt.Sprintf("Enable DHCP on %q (current: %s)", n.InterfaceAlias, current)
		}
		dns := "not set"
		if len(n.DNSServers) > 0 {
			dns = strings.Join(n.DNSServers, ", ")
		}
		return fmt.Sprintf("Set static IP on %q (current: %s)\n  IP: %s\n  Subnet: %s\n  Gateway: %s\n  DNS: %s",
			n.InterfaceAlias, current, n.IPAddress, n.SubnetMask, n.Gateway, dns)
	case KindEnvVar:
		if r.EnvVar == nil {
			break
		}
		old := "(unknown)"
		if r.EnvVar.OldValue != nil {
			old = *r.EnvVar.OldValue
		}
		return fmt.Sprintf("Set machine variable %s\n  old: %s\n  new: %s", r.EnvVar.Name, old, r.EnvVar.NewValue)
	case KindHostname:
		if r.Hostname == nil {
			break
		}
		return fmt.Sprintf("Rename computer %s -> %s", orUnknown(r.Hostname.OldName), r.Hostname.NewName)
	case KindTimezone:
		if r.Timezone == nil {
			break
		}
		return fmt.Sprintf("Set time zone %s -> %s", orUnknown(r.Timezone.OldID), r.Timezone.ID)
	}
	return fmt.Sprintf("%s change (no payload)", r.Kind)
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}

// Outcome tags how a request ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ChangeResult is an immutable audit entry for one request.
type ChangeResult struct {
	ID        string        `json:"id"`
	Request   ChangeRequest `json:"request"`
	Succeeded bool          `json:"succeeded"`
	Outcome   Outcome       `json:"outcome"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}
