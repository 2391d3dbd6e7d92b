package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"novad/internal/eventbus"
	"novad/internal/plugin"
	"novad/internal/storage"
	logx "novad/pkg/logx"
)

// memStore records appends in memory so tests can assert on them.
type memStore struct {
	mu           sync.Mutex
	interactions []storage.Interaction
	events       []storage.SystemEvent
}

func (m *memStore) AppendInteraction(_ context.Context, e storage.Interaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, e)
	return int64(len(m.interactions)), nil
}

func (m *memStore) AppendEvent(_ context.Context, e storage.SystemEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return int64(len(m.events)), nil
}

func (m *memStore) InteractionCount(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.interactions)), nil
}

func (m *memStore) CountsByKind(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int64{}
	for _, e := range m.interactions {
		out[e.Kind]++
	}
	return out, nil
}

func (m *memStore) EventCountsByType(_ context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (m *memStore) Snapshot(_ context.Context, _ time.Duration) (storage.WindowCounts, error) {
	return storage.WindowCounts{}, nil
}

func (m *memStore) RecentInteractions(_ context.Context, _ int) ([]storage.Interaction, error) {
	return nil, nil
}

func (m *memStore) RecentEvents(_ context.Context, _ string, _ int) ([]storage.SystemEvent, error) {
	return nil, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) last(t *testing.T) storage.Interaction {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.interactions) == 0 {
		t.Fatalf("no interactions recorded")
	}
	return m.interactions[len(m.interactions)-1]
}

type fakeStatus struct{}

func (fakeStatus) Status(_ context.Context) map[string]any {
	return map[string]any{"level": "awakening", "interactions": int64(0)}
}

type echoPlugin struct{}

func (echoPlugin) Name() string     { return "echo" }
func (echoPlugin) Describe() string { return "echo back text" }
func (echoPlugin) Handle(_ context.Context, req plugin.Request) (plugin.Response, error) {
	return plugin.Response{"text": req.String("text", "")}, nil
}

type panicPlugin struct{}

func (panicPlugin) Name() string     { return "boom" }
func (panicPlugin) Describe() string { return "always panics" }
func (panicPlugin) Handle(_ context.Context, _ plugin.Request) (plugin.Response, error) {
	panic("boom")
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *memStore) {
	t.Helper()
	reg := plugin.NewRegistry()
	if err := reg.Register(echoPlugin{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(panicPlugin{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	st := &memStore{}
	return New(reg, st, eventbus.New(), fakeStatus{}, logx.Nop()), st
}

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("reply is not valid JSON: %v\n%s", err, raw)
	}
	return m
}

func TestDispatchStructuredStatus(t *testing.T) {
	d, st := newTestDispatcher(t)

	out := decode(t, d.Dispatch(context.Background(), []byte(`{"command":"status"}`), "test"))
	if out["success"] != true {
		t.Fatalf("expected success, got %v", out)
	}
	result, ok := out["result"].(map[string]any)
	if !ok {
		t.Fatalf("missing result: %v", out)
	}
	if result["level"] != "awakening" {
		t.Fatalf("expected derived level in result, got %v", result)
	}
	if _, ok := out["timestamp"].(string); !ok {
		t.Fatalf("missing timestamp: %v", out)
	}

	rec := st.last(t)
	if rec.Kind != "status" || !rec.Success {
		t.Fatalf("unexpected interaction record: %+v", rec)
	}
}

func TestDispatchPlainText(t *testing.T) {
	d, st := newTestDispatcher(t)

	out := decode(t, d.Dispatch(context.Background(), []byte("echo hello world\n"), "test"))
	if out["success"] != true {
		t.Fatalf("expected success, got %v", out)
	}
	result := out["result"].(map[string]any)
	if result["text"] != "hello world" {
		t.Fatalf("expected echoed text, got %v", result)
	}
	if st.last(t).Source != "test" {
		t.Fatalf("expected source to be recorded")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d, st := newTestDispatcher(t)

	out := decode(t, d.Dispatch(context.Background(), []byte("unknown_cmd foo"), "test"))
	if out["success"] != false {
		t.Fatalf("expected failure, got %v", out)
	}
	errMsg, _ := out["error"].(string)
	if !strings.Contains(errMsg, "unknown_cmd") {
		t.Fatalf("error should name the command: %q", errMsg)
	}
	// Available commands are listed for the caller.
	if !strings.Contains(errMsg, "echo") || !strings.Contains(errMsg, "status") {
		t.Fatalf("error should list available commands: %q", errMsg)
	}

	rec := st.last(t)
	if rec.Success {
		t.Fatalf("unknown command should record a failed interaction")
	}
}

func TestDispatchMalformedJSON(t *testing.T) {
	d, _ := newTestDispatcher(t)

	out := decode(t, d.Dispatch(context.Background(), []byte(`{"command":`), "test"))
	if out["success"] != false {
		t.Fatalf("expected failure for malformed payload, got %v", out)
	}
}

func TestDispatchMissingCommandField(t *testing.T) {
	d, _ := newTestDispatcher(t)

	out := decode(t, d.Dispatch(context.Background(), []byte(`{"text":"hi"}`), "test"))
	if out["success"] != false {
		t.Fatalf("expected failure for missing command, got %v", out)
	}
}

func TestDispatchEmptyPayload(t *testing.T) {
	d, st := newTestDispatcher(t)

	out := decode(t, d.Dispatch(context.Background(), []byte("   \n"), "test"))
	if out["success"] != false {
		t.Fatalf("expected failure for empty payload, got %v", out)
	}
	if st.last(t).Kind != "invalid" {
		t.Fatalf("expected invalid kind, got %q", st.last(t).Kind)
	}
}

func TestDispatchContainsHandlerPanic(t *testing.T) {
	d, st := newTestDispatcher(t)

	out := decode(t, d.Dispatch(context.Background(), []byte("boom"), "test"))
	if out["success"] != false {
		t.Fatalf("expected failure envelope after panic, got %v", out)
	}
	if st.last(t).Success {
		t.Fatalf("panicked dispatch should record failure")
	}

	// Dispatcher must still work afterwards.
	out = decode(t, d.Dispatch(context.Background(), []byte("echo still alive"), "test"))
	if out["success"] != true {
		t.Fatalf("dispatcher broken after panic: %v", out)
	}
}

func TestExactlyOneInteractionPerDispatch(t *testing.T) {
	d, st := newTestDispatcher(t)

	payloads := [][]byte{
		[]byte(`{"command":"status"}`),
		[]byte("echo hi"),
		[]byte("unknown_cmd"),
		[]byte(`{"bad json`),
	}
	for _, p := range payloads {
		_ = d.Dispatch(context.Background(), p, "test")
	}

	st.mu.Lock()
	n := len(st.interactions)
	st.mu.Unlock()
	if n != len(payloads) {
		t.Fatalf("expected %d interactions, got %d", len(payloads), n)
	}
}

func TestHelpListsCommands(t *testing.T) {
	d, _ := newTestDispatcher(t)

	out := decode(t, d.Dispatch(context.Background(), []byte("help"), "test"))
	if out["success"] != true {
		t.Fatalf("expected success, got %v", out)
	}
	result := out["result"].(map[string]any)
	cmds, ok := result["commands"].(map[string]any)
	if !ok {
		t.Fatalf("missing commands map: %v", result)
	}
	for _, want := range []string{"status", "help", "echo"} {
		if _, ok := cmds[want]; !ok {
			t.Fatalf("help missing %q: %v", want, cmds)
		}
	}
}

func TestErrorReplyIsWellFormed(t *testing.T) {
	out := decode(t, ErrorReply("busy: too many connections"))
	if out["success"] != false {
		t.Fatalf("expected failure envelope: %v", out)
	}
	if !strings.Contains(out["error"].(string), "busy") {
		t.Fatalf("expected busy error: %v", out)
	}
}
