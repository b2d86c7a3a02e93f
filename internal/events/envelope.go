package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/semantest/docs-sub005/internal/errs"
)

// Version is the envelope schema version stamped on new envelopes.
const Version = 1

// Envelope is the canonical message flowing through the hub. Envelopes
// are values: once built they are passed by copy and never mutated.
type Envelope struct {
	// ID is a UUID unique to this envelope.
	ID string `json:"id"`
	// Type is namespaced as "domain:entity:action".
	Type string `json:"type"`
	// Timestamp is when the producer created the envelope.
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID ties replies and failures back to a request.
	CorrelationID string `json:"correlationId,omitempty"`
	// Source identifies the producer (a client, an addon, a hub component).
	Source string `json:"source"`
	// Payload is opaque to the hub. It is carried as raw JSON.
	Payload json.RawMessage `json:"payload"`
	// Version is the envelope schema version.
	Version int `json:"version"`
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// New builds an envelope of the given type. payload is marshalled to
// JSON unless it already is a json.RawMessage, in which case the bytes
// are copied.
func New(typ, source string, payload any) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{
		ID:        NewID(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   raw,
		Version:   Version,
	}, nil
}

// Reply builds an envelope correlated to to.
func Reply(to Envelope, typ, source string, payload any) (Envelope, error) {
	env, err := New(typ, source, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.CorrelationID = to.Correlation()
	return env, nil
}

// WithCorrelation returns a copy of e carrying the given correlation id.
func (e Envelope) WithCorrelation(id string) Envelope {
	e.CorrelationID = id
	return e
}

// Correlation returns the id replies to e should carry: the existing
// correlation id when set, otherwise e's own id.
func (e Envelope) Correlation() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.ID
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errs.Validationf("events.Decode", "%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.Wrap(errs.KindValidation, "events.Decode", fmt.Errorf("%s payload: %w", e.Type, err))
	}
	return nil
}

// Validate checks the fields every envelope must carry: a UUID id, a
// namespaced type and a source.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return errs.Validation("envelope", "missing id")
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return errs.Validationf("envelope", "id %q is not a UUID", e.ID)
	}
	if e.Type == "" {
		return errs.Validation("envelope", "missing type")
	}
	if !ValidType(e.Type) {
		return errs.Validationf("envelope", "type %q is not domain:entity:action", e.Type)
	}
	if e.Source == "" {
		return errs.Validation("envelope", "missing source")
	}
	if e.Version < 0 {
		return errs.Validationf("envelope", "negative version %d", e.Version)
	}
	return nil
}

// ValidType reports whether typ has exactly three non-empty,
// colon-separated segments.
func ValidType(typ string) bool {
	parts := strings.Split(typ, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, " *") {
			return false
		}
	}
	return true
}

// Domain returns the first segment of a type.
func Domain(typ string) string {
	d, _, _ := strings.Cut(typ, ":")
	return d
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(payload)
	}
}
