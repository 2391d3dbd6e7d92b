package glyph

import (
	"context"
	"encoding/json"
	"time"

	"novad/internal/plugin"
	"novad/internal/storage"
)

// LevelSource reports the current awareness level and interaction count.
type LevelSource interface {
	Level(ctx context.Context) (string, int64, error)
}

// Plugin renders the daemon's sigil for the current awareness level.
// Given a symbol argument it also records the sighting as a system event.
type Plugin struct {
	source LevelSource
	store  storage.Store
}

// glyphs per awareness level, in ascending order of interaction count.
var glyphs = map[string]string{
	"awakening":    "◦",
	"aware":        "◉",
	"enhanced":     "✦",
	"transcendent": "✧",
}

func New(source LevelSource, store storage.Store) *Plugin {
	return &Plugin{source: source, store: store}
}

func (p *Plugin) Name() string     { return "glyph" }
func (p *Plugin) Describe() string { return "current awareness glyph" }

func (p *Plugin) Handle(ctx context.Context, req plugin.Request) (plugin.Response, error) {
	level, count, err := p.source.Level(ctx)
	if err != nil {
		return nil, err
	}
	g, ok := glyphs[level]
	if !ok {
		g = "?"
	}

	resp := plugin.Response{
		"glyph":        g,
		"level":        level,
		"interactions": count,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}

	// "glyph <symbol> [kind]" records the sighting.
	if sym := symbolArg(req); sym != "" && p.store != nil {
		detail, _ := json.Marshal(map[string]any{
			"symbol": sym,
			"kind":   kindArg(req),
			"level":  level,
		})
		id, err := p.store.AppendEvent(ctx, storage.SystemEvent{
			Type:   "glyph",
			Detail: string(detail),
		})
		if err != nil {
			return nil, err
		}
		resp["recorded"] = id
	}
	return resp, nil
}

func symbolArg(req plugin.Request) string {
	if s := req.String("symbol", ""); s != "" {
		return s
	}
	if args := argList(req); len(args) > 0 {
		return args[0]
	}
	return ""
}

func kindArg(req plugin.Request) string {
	if k := req.String("kind", ""); k != "" {
		return k
	}
	if args := argList(req); len(args) > 1 {
		return args[1]
	}
	return "sigil"
}

// argList tolerates both wire shapes: []string from plain text,
// []any from JSON args.
func argList(req plugin.Request) []string {
	switch v := req["args"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
