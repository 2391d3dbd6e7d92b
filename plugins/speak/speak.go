package speak

import (
	"context"
	"errors"

	"novad/internal/plugin"
	"novad/internal/voice"
)

// Speaker is what this plugin needs from the voice adapter.
type Speaker interface {
	Speak(ctx context.Context, text, style string) bool
	Mode() voice.Mode
}

type Plugin struct {
	speaker Speaker
}

func New(speaker Speaker) *Plugin { return &Plugin{speaker: speaker} }

func (p *Plugin) Name() string     { return "speak" }
func (p *Plugin) Describe() string { return "voice the given text aloud" }

func (p *Plugin) Handle(ctx context.Context, req plugin.Request) (plugin.Response, error) {
	txt := req.String("text", "")
	if txt == "" {
		return nil, errors.New("speak: text is required")
	}
	style := req.String("style", "")

	spoken := false
	if p.speaker != nil {
		spoken = p.speaker.Speak(ctx, txt, style)
	}

	mode := voice.ModeOff
	if p.speaker != nil {
		mode = p.speaker.Mode()
	}
	// A silent backend is not an error: the caller gets spoken=false.
	resp := plugin.Response{"spoken": spoken, "mode": string(mode), "text": txt}
	if style != "" {
		resp["style"] = style
	}
	return resp, nil
}
