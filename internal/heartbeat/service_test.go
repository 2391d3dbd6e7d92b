package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"novad/internal/eventbus"
	"novad/internal/storage"
	logx "novad/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	snap  map[string]any
	err   error
	calls int
}

func (f *fakeSource) Snapshot(context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.snap, f.err
}

type memStore struct {
	mu     sync.Mutex
	events []storage.SystemEvent
	fail   error
}

func (s *memStore) AppendInteraction(_ context.Context, e storage.Interaction) (int64, error) {
	return 0, nil
}

func (s *memStore) AppendEvent(_ context.Context, e storage.SystemEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	s.events = append(s.events, e)
	return int64(len(s.events)), nil
}

func (s *memStore) InteractionCount(context.Context) (int64, error)          { return 0, nil }
func (s *memStore) CountsByKind(context.Context) (map[string]int64, error)   { return nil, nil }
func (s *memStore) EventCountsByType(context.Context) (map[string]int64, error) {
	return nil, nil
}
func (s *memStore) RecentInteractions(context.Context, int) ([]storage.Interaction, error) {
	return nil, nil
}
func (s *memStore) RecentEvents(context.Context, string, int) ([]storage.SystemEvent, error) {
	return nil, nil
}
func (s *memStore) Snapshot(context.Context, time.Duration) (storage.WindowCounts, error) {
	return storage.WindowCounts{}, nil
}
func (s *memStore) Close() error { return nil }

func TestTickPersistsSnapshot(t *testing.T) {
	src := &fakeSource{snap: map[string]any{"state": "running", "interactions": float64(7)}}
	st := &memStore{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	svc := New(Config{Enabled: true, Interval: time.Minute}, src, st, bus, logx.Nop())
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(st.events))
	}
	ev := st.events[0]
	if ev.Type != storage.EventSnapshot {
		t.Fatalf("expected snapshot event, got %q", ev.Type)
	}
	var detail map[string]any
	if err := json.Unmarshal([]byte(ev.Detail), &detail); err != nil {
		t.Fatalf("detail is not JSON: %v", err)
	}
	if detail["state"] != "running" {
		t.Fatalf("snapshot detail lost: %v", detail)
	}

	select {
	case got := <-ch:
		if got.Type != eventbus.TypeHeartbeatTick {
			t.Fatalf("expected heartbeat tick event, got %q", got.Type)
		}
	default:
		t.Fatalf("expected bus publish")
	}
}

func TestTickErrorsAreReturned(t *testing.T) {
	src := &fakeSource{err: errors.New("no snapshot")}
	svc := New(Config{Enabled: true}, src, &memStore{}, nil, logx.Nop())
	if err := svc.Tick(context.Background()); err == nil {
		t.Fatalf("expected snapshot error")
	}

	src = &fakeSource{snap: map[string]any{}}
	svc = New(Config{Enabled: true}, src, &memStore{fail: errors.New("disk full")}, nil, logx.Nop())
	if err := svc.Tick(context.Background()); err == nil {
		t.Fatalf("expected append error")
	}
}

func TestTickFailureDoesNotStopSchedule(t *testing.T) {
	src := &fakeSource{err: errors.New("flaky")}
	st := &memStore{}
	svc := New(Config{Enabled: true, Interval: 50 * time.Millisecond}, src, st, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	// Let a couple of failing ticks run, then heal the source.
	time.Sleep(130 * time.Millisecond)
	src.mu.Lock()
	src.err = nil
	src.snap = map[string]any{"state": "running"}
	src.mu.Unlock()
	time.Sleep(130 * time.Millisecond)

	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	if calls < 3 {
		t.Fatalf("expected schedule to keep ticking, got %d calls", calls)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.events) == 0 {
		t.Fatalf("expected snapshots after source recovered")
	}
}

func TestDisabledDoesNothing(t *testing.T) {
	src := &fakeSource{snap: map[string]any{}}
	svc := New(Config{Enabled: false, Interval: 10 * time.Millisecond}, src, &memStore{}, nil, logx.Nop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.calls != 0 {
		t.Fatalf("disabled heartbeat should not tick, got %d calls", src.calls)
	}
}

func TestApplyRestartsOnChange(t *testing.T) {
	src := &fakeSource{snap: map[string]any{}}
	svc := New(Config{Enabled: true, Interval: time.Hour}, src, &memStore{}, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	if err := svc.Apply(ctx, Config{Enabled: true, Interval: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	time.Sleep(130 * time.Millisecond)

	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	if calls == 0 {
		t.Fatalf("expected ticks after interval change")
	}

	// Disabling stops the schedule.
	if err := svc.Apply(ctx, Config{Enabled: false, Interval: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}
	src.mu.Lock()
	before := src.calls
	src.mu.Unlock()
	time.Sleep(130 * time.Millisecond)
	src.mu.Lock()
	after := src.calls
	src.mu.Unlock()
	if after != before {
		t.Fatalf("expected no ticks after disable, got %d new", after-before)
	}
}
