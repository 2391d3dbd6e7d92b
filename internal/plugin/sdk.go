package plugin

import (
	"context"
	"encoding/json"
)

// Request is the canonical form of a command after wire-shape normalization.
// "command" is stripped; everything else is handler arguments.
type Request map[string]any

// Response is the handler result that gets placed into the reply envelope.
type Response map[string]any

// String returns a string argument, or def when absent or not a string.
func (r Request) String(key, def string) string {
	if r == nil {
		return def
	}
	if v, ok := r[key].(string); ok {
		return v
	}
	return def
}

// Int returns an integer argument. JSON numbers arrive as float64.
func (r Request) Int(key string, def int) int {
	if r == nil {
		return def
	}
	switch v := r[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// Handler processes one command invocation.
//
// Contract:
//   - MUST respect ctx cancellation.
//   - MUST NOT retain the Request after returning.
//   - Returning (nil, err) produces a failure envelope; the daemon stays up.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Plugin is a named command handler registered with the daemon.
type Plugin interface {
	// Name is the command name clients invoke. Lowercase, stable.
	Name() string
	// Describe is a one-line human summary shown by the help command.
	Describe() string

	Handler
}

// Configurable is implemented by plugins that accept settings from their
// entry in the config file's "plugins" section. Configure runs at startup
// and again on every reload whose entry carries a config payload, so
// implementations must be safe against concurrent Handle calls.
type Configurable interface {
	Configure(raw json.RawMessage) error
}

// DecodeConfig decodes per-plugin raw json into a typed config struct.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
