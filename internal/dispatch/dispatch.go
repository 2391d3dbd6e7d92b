package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"novad/internal/eventbus"
	"novad/internal/plugin"
	"novad/internal/storage"
	logx "novad/pkg/logx"
)

// StatusProvider supplies the live daemon status for the built-in
// status command. Implemented by the app layer.
type StatusProvider interface {
	Status(ctx context.Context) map[string]any
}

type builtin struct {
	describe string
	handle   plugin.HandlerFunc
}

// Dispatcher normalizes inbound messages, resolves them against the
// built-in table and the plugin registry, and wraps results in the
// response envelope. Every dispatch appends exactly one interaction
// record, success or failure.
type Dispatcher struct {
	log      logx.Logger
	registry *plugin.Registry
	store    storage.Store
	bus      eventbus.Bus
	status   StatusProvider

	builtins map[string]builtin
}

func New(registry *plugin.Registry, store storage.Store, bus eventbus.Bus, status StatusProvider, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:      log,
		registry: registry,
		store:    store,
		bus:      bus,
		status:   status,
	}
	d.builtins = map[string]builtin{
		"status": {
			describe: "report daemon state, uptime and counters",
			handle:   d.handleStatus,
		},
		"help": {
			describe: "list available commands",
			handle:   d.handleHelp,
		},
	}
	return d
}

// payloadCap bounds what gets persisted per interaction row.
const payloadCap = 4096

// Dispatch handles one raw inbound message and returns the JSON reply.
// The returned bytes are always a well-formed envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, source string) []byte {
	started := time.Now()

	name, req, perr := normalize(raw)

	var (
		resp plugin.Response
		err  error
	)
	switch {
	case perr != nil:
		name = "invalid"
		err = perr
	default:
		resp, err = d.resolve(ctx, name, req)
	}

	env := envelope(resp, err)
	out, merr := json.Marshal(env)
	if merr != nil {
		d.log.Error("envelope marshal failed", logx.String("command", name), logx.Err(merr))
		out = []byte(`{"success":false,"error":"internal error"}`)
	}

	d.record(ctx, storage.Interaction{
		At:         started,
		Kind:       name,
		Source:     source,
		Input:      truncate(string(raw)),
		Output:     truncate(string(out)),
		DurationMS: time.Since(started).Milliseconds(),
		Success:    err == nil,
	})

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type: eventbus.TypeCommandDispatched,
			Data: map[string]any{"command": name, "source": source, "ok": err == nil},
		})
	}

	if err != nil {
		d.log.Debug("dispatch failed", logx.String("command", name), logx.Err(err), logx.Duration("took", time.Since(started)))
	} else {
		d.log.Debug("dispatch ok", logx.String("command", name), logx.Duration("took", time.Since(started)))
	}
	return out
}

func (d *Dispatcher) resolve(ctx context.Context, name string, req plugin.Request) (resp plugin.Response, err error) {
	// Handler panics must not take the connection (or the daemon) down.
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", logx.String("command", name), logx.Any("panic", r))
			resp = nil
			err = fmt.Errorf("command %s failed", name)
		}
	}()

	if b, ok := d.builtins[name]; ok {
		return b.handle(ctx, req)
	}
	p, gerr := d.registry.Get(name)
	if gerr != nil {
		return nil, fmt.Errorf("unknown command %q (available: %s)", name, strings.Join(d.CommandNames(), ", "))
	}
	return p.Handle(ctx, req)
}

// CommandNames returns all resolvable command names, sorted.
func (d *Dispatcher) CommandNames() []string {
	names := d.registry.Names()
	for name := range d.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) record(ctx context.Context, e storage.Interaction) {
	if d.store == nil {
		return
	}
	if _, err := d.store.AppendInteraction(ctx, e); err != nil {
		d.log.Warn("interaction append failed", logx.String("command", e.Kind), logx.Err(err))
	}
}

func (d *Dispatcher) handleStatus(ctx context.Context, _ plugin.Request) (plugin.Response, error) {
	if d.status == nil {
		return nil, fmt.Errorf("status unavailable")
	}
	return plugin.Response(d.status.Status(ctx)), nil
}

func (d *Dispatcher) handleHelp(_ context.Context, _ plugin.Request) (plugin.Response, error) {
	cmds := map[string]string{}
	for name, b := range d.builtins {
		cmds[name] = b.describe
	}
	for name, desc := range d.registry.Describe() {
		cmds[name] = desc
	}
	return plugin.Response{"commands": cmds}, nil
}

// normalize parses either wire shape into (command, request).
//
// Structured: {"command": "echo", ...args}
// Plain text: "echo hello world" -> args ["hello", "world"]
func normalize(raw []byte) (string, plugin.Request, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "", nil, fmt.Errorf("empty command")
	}

	if strings.HasPrefix(s, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return "", nil, fmt.Errorf("invalid request: %v", err)
		}
		cmd, _ := m["command"].(string)
		cmd = strings.ToLower(strings.TrimSpace(cmd))
		if cmd == "" {
			return "", nil, fmt.Errorf("invalid request: missing command field")
		}
		delete(m, "command")
		return cmd, plugin.Request(m), nil
	}

	fields := strings.Fields(s)
	cmd := strings.ToLower(fields[0])
	req := plugin.Request{}
	if len(fields) > 1 {
		req["args"] = fields[1:]
		// Convenience: most plain-text commands want the whole remainder.
		req["text"] = strings.TrimSpace(strings.TrimPrefix(s, fields[0]))
	}
	return cmd, req, nil
}

func envelope(resp plugin.Response, err error) map[string]any {
	ts := time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error(), "timestamp": ts}
	}
	var result any = resp
	if resp == nil {
		result = map[string]any{}
	}
	return map[string]any{"success": true, "result": result, "timestamp": ts}
}

// ErrorReply builds a standalone failure envelope. The socket server uses
// it for conditions that never reach Dispatch (busy, read timeout).
func ErrorReply(msg string) []byte {
	b, err := json.Marshal(map[string]any{
		"success":   false,
		"error":     msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return []byte(`{"success":false,"error":"internal error"}`)
	}
	return b
}

func truncate(s string) string {
	if len(s) <= payloadCap {
		return s
	}
	return s[:payloadCap]
}
