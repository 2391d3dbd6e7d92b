package plugin

import (
	"context"
	"errors"
	"testing"
)

type fakePlugin struct {
	name string
	desc string
}

func (p *fakePlugin) Name() string     { return p.name }
func (p *fakePlugin) Describe() string { return p.desc }
func (p *fakePlugin) Handle(_ context.Context, _ Request) (Response, error) {
	return Response{"plugin": p.name}, nil
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	first := &fakePlugin{name: "echo", desc: "first"}
	if err := r.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(&fakePlugin{name: "echo", desc: "second"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// First registration wins.
	p, err := r.Get("echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Describe() != "first" {
		t.Fatalf("expected first plugin to stay registered, got %q", p.Describe())
	}
}

func TestGetNotFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLookupCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakePlugin{name: "Echo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Get("ECHO"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"glyph", "echo", "speak"} {
		if err := r.Register(&fakePlugin{name: name}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	names := r.Names()
	want := []string{"echo", "glyph", "speak"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestReplaceSwapsSet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakePlugin{name: "echo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&fakePlugin{name: "glyph"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Replace(&fakePlugin{name: "echo", desc: "kept"}, nil, &fakePlugin{name: " "})

	if _, err := r.Get("glyph"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected glyph to be gone, got %v", err)
	}
	p, err := r.Get("echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Describe() != "kept" {
		t.Fatalf("expected replacement plugin, got %q", p.Describe())
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 plugin after replace, got %d", r.Len())
	}

	// First-wins on duplicates inside one Replace call.
	r.Replace(&fakePlugin{name: "echo", desc: "a"}, &fakePlugin{name: "ECHO", desc: "b"})
	p, err = r.Get("echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Describe() != "a" {
		t.Fatalf("expected first duplicate to win, got %q", p.Describe())
	}
}

func TestRegisterInvalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); err == nil {
		t.Fatalf("expected error for nil plugin")
	}
	if err := r.Register(&fakePlugin{name: "  "}); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestRequestHelpers(t *testing.T) {
	req := Request{"text": "hello", "n": float64(3)}
	if got := req.String("text", ""); got != "hello" {
		t.Fatalf("String: %q", got)
	}
	if got := req.String("missing", "def"); got != "def" {
		t.Fatalf("String default: %q", got)
	}
	if got := req.Int("n", 0); got != 3 {
		t.Fatalf("Int: %d", got)
	}
	if got := req.Int("text", 7); got != 7 {
		t.Fatalf("Int wrong-type default: %d", got)
	}
}
