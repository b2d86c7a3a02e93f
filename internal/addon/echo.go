package addon

import (
	"context"
	"encoding/json"

	"github.com/semantest/docs-sub005/internal/events"
)

// Echo is a handler that returns each envelope's payload unchanged.
// It backs the "echo" addon kind used for smoke tests.
type Echo struct {
	Manifest Manifest
}

func (e *Echo) Supports(typ string) bool { return e.Manifest.match(typ) >= 0 }

func (e *Echo) Handle(ctx context.Context, env events.Envelope) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(env.Payload) == 0 {
		return json.RawMessage("null"), nil
	}
	return append(json.RawMessage(nil), env.Payload...), nil
}
