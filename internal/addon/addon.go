// Package addon manages the lifecycle of domain addons: the opaque
// handlers that do the actual work for a family of envelope types
// (images:*, forms:*, ...).
//
// Each registered addon moves through
//
//	Unloaded → Loading → Ready ⇄ Degraded
//	Loading → Failed
//	any → Unloaded (explicit unload)
//
// Loading is asynchronous. A Failed addon stays failed, and stays
// quarantined across restarts, until an operator reloads it.
package addon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/semantest/docs-sub005/internal/events"
)

var (
	// ErrLoading is returned by Invoke while the target addon is still
	// loading. Callers hold the work and try again later.
	ErrLoading = errors.New("addon loading")
	// ErrUnknownAddon is returned for names not in the catalog.
	ErrUnknownAddon = errors.New("unknown addon")
	// ErrNoRoute is returned when no addon supports an envelope type.
	ErrNoRoute = errors.New("no addon supports type")
	// ErrQuarantined is returned by Load for a quarantined addon.
	ErrQuarantined = errors.New("addon quarantined")
)

// State is an addon's lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateDegraded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateUnloaded; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown addon state %q", b)
}

// Manifest identifies an addon and the envelope types it handles.
// A supported type is an exact type, a type prefix such as
// "images:download" (matching "images:download:*"), or a pattern
// ending in "*".
type Manifest struct {
	Name           string   `json:"name" yaml:"name"`
	Version        string   `json:"version" yaml:"version"`
	SupportedTypes []string `json:"supportedTypes" yaml:"supported_types"`
}

// Validate checks the manifest is usable for routing.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("manifest name is required")
	}
	if len(m.SupportedTypes) == 0 {
		return fmt.Errorf("addon %s: no supported types", m.Name)
	}
	for _, t := range m.SupportedTypes {
		if t == "" || t == "*" || strings.ContainsAny(t, " \t") {
			return fmt.Errorf("addon %s: invalid supported type %q", m.Name, t)
		}
	}
	return nil
}

// match returns the length of the longest supported type that covers
// typ, or -1.
func (m Manifest) match(typ string) int {
	best := -1
	for _, p := range m.SupportedTypes {
		var ok bool
		switch {
		case strings.HasSuffix(p, "*"):
			ok = strings.HasPrefix(typ, p[:len(p)-1])
		default:
			ok = typ == p || strings.HasPrefix(typ, p+":")
		}
		if ok && len(p) > best {
			best = len(p)
		}
	}
	return best
}

// Handler is a loaded addon.
type Handler interface {
	// Supports reports whether the handler accepts typ. Called after
	// manifest routing as a final check.
	Supports(typ string) bool
	// Handle processes one envelope and returns its result payload.
	Handle(ctx context.Context, env events.Envelope) (json.RawMessage, error)
}

// HealthChecker is implemented by handlers that can report their own
// health between invocations.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Loader brings an addon up. It is called on its own goroutine under
// the manager's load timeout.
type Loader func(ctx context.Context) (Handler, error)

// Definition is a catalog entry.
type Definition struct {
	Manifest Manifest
	Load     Loader
	// Autoload loads the addon when the manager starts.
	Autoload bool
}

// Status is a snapshot of one addon.
type Status struct {
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	SupportedTypes    []string  `json:"supportedTypes"`
	State             State     `json:"state"`
	Since             time.Time `json:"since"`
	LastError         string    `json:"lastError,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	Quarantined       bool      `json:"quarantined"`
}

// StateEvent is the payload of system:addon:state envelopes.
type StateEvent struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	From    State  `json:"from"`
	To      State  `json:"to"`
	Error   string `json:"error,omitempty"`
}

// FailedEvent is the payload of the system:addon:failed alert.
type FailedEvent struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Error   string `json:"error"`
}

// StateStore persists quarantine records. *opstate.Store satisfies it.
type StateStore interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
}
