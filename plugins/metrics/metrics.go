package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"novad/internal/plugin"
	"novad/internal/storage"
)

// LevelSource reports the current awareness level and interaction count.
type LevelSource interface {
	Level(ctx context.Context) (string, int64, error)
}

// Config is this plugin's entry in the config file's "plugins" section.
type Config struct {
	// RecentDefault is how many recent interactions to include when a
	// request does not ask for a specific count. 0 leaves them out.
	RecentDefault int `json:"recent_default"`
}

// Plugin reports interaction and event counters from the store, plus the
// awareness level the counters currently map to.
type Plugin struct {
	store  storage.Store
	source LevelSource

	mu  sync.RWMutex
	cfg Config
}

func New(store storage.Store, source LevelSource) *Plugin {
	return &Plugin{store: store, source: source}
}

// Configure applies per-plugin settings. Runs at startup and again on
// config reload, concurrently with Handle.
func (p *Plugin) Configure(raw json.RawMessage) error {
	cfg, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	if cfg.RecentDefault < 0 {
		return fmt.Errorf("recent_default must be >= 0, got %d", cfg.RecentDefault)
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Name() string     { return "metrics" }
func (p *Plugin) Describe() string { return "interaction and event counters" }

func (p *Plugin) Handle(ctx context.Context, req plugin.Request) (plugin.Response, error) {
	total, err := p.store.InteractionCount(ctx)
	if err != nil {
		return nil, err
	}
	byKind, err := p.store.CountsByKind(ctx)
	if err != nil {
		return nil, err
	}
	byEvent, err := p.store.EventCountsByType(ctx)
	if err != nil {
		return nil, err
	}

	resp := plugin.Response{
		"interactions": total,
		"by_command":   byKind,
		"by_event":     byEvent,
	}

	if p.source != nil {
		level, _, err := p.source.Level(ctx)
		if err == nil {
			resp["level"] = level
		}
	}

	p.mu.RLock()
	recentDefault := p.cfg.RecentDefault
	p.mu.RUnlock()

	if n := req.Int("recent", recentDefault); n > 0 {
		recent, err := p.store.RecentInteractions(ctx, n)
		if err != nil {
			return nil, err
		}
		items := make([]map[string]any, 0, len(recent))
		for _, e := range recent {
			items = append(items, map[string]any{
				"id":          e.ID,
				"at":          e.At,
				"command":     e.Kind,
				"success":     e.Success,
				"duration_ms": e.DurationMS,
			})
		}
		resp["recent"] = items
	}
	return resp, nil
}
