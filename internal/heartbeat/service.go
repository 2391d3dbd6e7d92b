package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"novad/internal/eventbus"
	"novad/internal/storage"
	logx "novad/pkg/logx"
)

type Config struct {
	Enabled  bool
	Interval time.Duration // default 1m
}

// Source computes the status snapshot a tick persists.
// Implemented by the app layer.
type Source interface {
	Snapshot(ctx context.Context) (map[string]any, error)
}

// Service persists a status snapshot at a fixed interval.
//
// Errors inside a tick are contained to that tick: they are logged and the
// next tick runs normally.
type Service struct {
	log    logx.Logger
	source Source
	store  storage.Store
	bus    eventbus.Bus

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	parser cron.Parser

	ticks uint64
}

func New(cfg Config, source Source, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Service{
		log:    log,
		source: source,
		store:  store,
		bus:    bus,
		cfg:    cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.log.Debug("heartbeat disabled")
		return nil
	}
	if s.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(s.parser))
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := c.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("heartbeat schedule %q: %w", spec, err)
	}
	c.Start()
	s.c = c

	s.log.Info("heartbeat started", logx.Duration("interval", s.cfg.Interval))
	return nil
}

// Apply reconfigures the interval at runtime. A running schedule is
// restarted only when something actually changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	s.mu.Lock()
	same := cfg == s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if same {
		return nil
	}
	if running {
		s.stopCron(ctx)
	}
	return s.Start(ctx)
}

func (s *Service) Stop(ctx context.Context) error {
	s.stopCron(ctx)
	return nil
}

func (s *Service) stopCron(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

// Tick runs one heartbeat cycle immediately. Exposed so the lifecycle
// manager can force a snapshot (e.g. on demand via a command).
func (s *Service) Tick(ctx context.Context) error {
	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	detail, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot marshal: %w", err)
	}
	if _, err := s.store.AppendEvent(ctx, storage.SystemEvent{
		Type:   storage.EventSnapshot,
		Detail: string(detail),
	}); err != nil {
		return fmt.Errorf("snapshot append: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeHeartbeatTick, Data: snap})
	}
	return nil
}

func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	s.ticks++
	n := s.ticks
	s.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.Tick(tctx); err != nil {
		s.log.Warn("heartbeat tick failed", logx.Uint64("tick", n), logx.Err(err))
		return
	}
	s.log.Debug("heartbeat tick", logx.Uint64("tick", n))
}
