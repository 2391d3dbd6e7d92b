package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"novad/internal/config"
	"novad/internal/plugin"
)

// writeAppConfig writes a minimal valid config into a temp dir so app
// tests never touch real paths. Heartbeat stays off to keep them quiet.
func writeAppConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
daemon:
  pid_file: %s/novad.pid
  shutdown_grace: 3s
socket:
  path: %s/novad.sock
storage:
  path: %s/novad.db
heartbeat:
  enabled: false
logging:
  level: ERROR
  console: true
`, dir, dir, dir)
	path := filepath.Join(dir, "novad.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := NewApp(writeAppConfig(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })
	return a
}

type stubPlugin struct{ name string }

func (p stubPlugin) Name() string     { return p.name }
func (p stubPlugin) Describe() string { return "test stub" }
func (p stubPlugin) Handle(context.Context, plugin.Request) (plugin.Response, error) {
	return plugin.Response{"ok": true}, nil
}

// slowPlugin holds a connection open long enough for shutdown to race it.
type slowPlugin struct{ d time.Duration }

func (p slowPlugin) Name() string     { return "linger" }
func (p slowPlugin) Describe() string { return "reply after a delay" }
func (p slowPlugin) Handle(context.Context, plugin.Request) (plugin.Response, error) {
	time.Sleep(p.d)
	return plugin.Response{"done": true}, nil
}

func socketCommand(path, cmd string) (map[string]any, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return nil, err
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(line, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestAwarenessLevel(t *testing.T) {
	cfg := config.AwarenessConfig{Aware: 50, Enhanced: 200, Transcendent: 1000}
	cases := []struct {
		count int64
		want  string
	}{
		{0, "awakening"},
		{49, "awakening"},
		{50, "aware"},
		{199, "aware"},
		{200, "enhanced"},
		{999, "enhanced"},
		{1000, "transcendent"},
		{5000, "transcendent"},
	}
	for _, tc := range cases {
		if got := awarenessLevel(tc.count, cfg); got != tc.want {
			t.Fatalf("count %d: got %q, want %q", tc.count, got, tc.want)
		}
	}
}

func TestAwarenessLevelZeroConfigFallsBack(t *testing.T) {
	var cfg config.AwarenessConfig
	if got := awarenessLevel(75, cfg); got != "aware" {
		t.Fatalf("expected built-in thresholds, got %q", got)
	}
	if got := awarenessLevel(1500, cfg); got != "transcendent" {
		t.Fatalf("expected built-in thresholds, got %q", got)
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "novad.pid")

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pidfile holds %q, want pid %d", b, os.Getpid())
	}

	removePIDFile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected pidfile removed, err=%v", err)
	}
}

func TestPIDFileRejectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "novad.pid")
	// Own pid is always alive.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}
	err := writePIDFile(path)
	if err == nil {
		t.Fatalf("expected refusal when pid is alive")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPIDFileReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "novad.pid")
	// A pid from the far end of the default pid space is almost surely dead;
	// garbage content must also be treated as stale.
	for _, seed := range []string{"99999999", "not-a-pid"} {
		if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
			t.Fatalf("seed pidfile: %v", err)
		}
		if err := writePIDFile(path); err != nil {
			t.Fatalf("seed %q: writePIDFile: %v", seed, err)
		}
		b, _ := os.ReadFile(path)
		if strings.TrimSpace(string(b)) != strconv.Itoa(os.Getpid()) {
			t.Fatalf("seed %q: pidfile not replaced: %q", seed, b)
		}
	}
}

func TestPIDFileEmptyPathIsNoop(t *testing.T) {
	if err := writePIDFile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
	removePIDFile("")
}

func TestShutdownGraceFromConfig(t *testing.T) {
	a := newTestApp(t)
	if got := a.ShutdownGrace(); got != 3*time.Second {
		t.Fatalf("ShutdownGrace = %v, want 3s", got)
	}
}

func TestConfigReloadRebuildsPlugins(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.Register(stubPlugin{name: "blip"})
	if _, err := a.registry.Get("blip"); err != nil {
		t.Fatalf("plugin should resolve after Register: %v", err)
	}

	old := a.cfgm.Get()
	disabled := *old
	disabled.Plugins = map[string]config.PluginConfigRaw{"blip": {Enabled: false}}
	a.applyConfig(ctx, old, &disabled)

	if _, err := a.registry.Get("blip"); err == nil {
		t.Fatalf("disabled plugin still resolvable after reload")
	}
	if _, err := a.registry.Get("shutdown"); err != nil {
		t.Fatalf("builtin lost during rebuild: %v", err)
	}

	enabled := disabled
	enabled.Plugins = map[string]config.PluginConfigRaw{"blip": {Enabled: true}}
	a.applyConfig(ctx, &disabled, &enabled)

	if _, err := a.registry.Get("blip"); err != nil {
		t.Fatalf("re-enabled plugin should resolve again: %v", err)
	}
}

func TestStartServeStopLifecycle(t *testing.T) {
	a := newTestApp(t)
	a.Register(slowPlugin{d: 300 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cfg := a.cfgm.Get()
	sockPath := cfg.Socket.Path
	pidPath := cfg.Daemon.PidFile
	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("pid file missing while running: %v", err)
	}

	reply, err := socketCommand(sockPath, "status")
	if err != nil {
		t.Fatalf("status round-trip: %v", err)
	}
	if reply["success"] != true {
		t.Fatalf("status failed: %v", reply)
	}

	// A connection still being handled when Stop begins must get its reply.
	type result struct {
		reply map[string]any
		err   error
	}
	got := make(chan result, 1)
	go func() {
		r, err := socketCommand(sockPath, "linger")
		got <- result{r, err}
	}()
	time.Sleep(100 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.ShutdownGrace())
	defer stopCancel()
	if err := a.Stop(stopCtx, StopReasonSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("in-flight command dropped: %v", r.err)
		}
		if r.reply["success"] != true {
			t.Fatalf("in-flight command failed: %v", r.reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight reply never arrived")
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed after stop, err=%v", err)
	}
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Fatalf("socket file not removed after stop, err=%v", err)
	}
	if a.state.Get() != StateStopped {
		t.Fatalf("state after stop: %v", a.state.Get())
	}
	if _, err := net.Dial("unix", sockPath); err == nil {
		t.Fatalf("dial should fail after stop")
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateStarting:  "starting",
		StateRunning:   "running",
		StateReloading: "reloading",
		StateStopping:  "stopping",
		StateStopped:   "stopped",
		State(99):      "unknown",
	}
	for s, str := range want {
		if s.String() != str {
			t.Fatalf("State(%d).String() = %q, want %q", s, s.String(), str)
		}
	}
}

func TestStateHolderCompareAndSwap(t *testing.T) {
	var h stateHolder
	if h.Get() != StateStarting {
		t.Fatalf("zero value should be starting")
	}
	h.Set(StateRunning)
	if !h.CompareAndSwap(StateRunning, StateReloading) {
		t.Fatalf("CAS running->reloading should succeed")
	}
	if h.CompareAndSwap(StateRunning, StateStopping) {
		t.Fatalf("CAS from stale state should fail")
	}
	if h.Get() != StateReloading {
		t.Fatalf("got %v", h.Get())
	}
}
