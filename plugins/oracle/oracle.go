package oracle

import (
	"context"
	"errors"

	inner "novad/internal/oracle"
	"novad/internal/plugin"
)

// Plugin forwards free-form prompts to the LLM-backed oracle.
type Plugin struct {
	oracle *inner.Oracle
}

func New(o *inner.Oracle) *Plugin { return &Plugin{oracle: o} }

func (p *Plugin) Name() string     { return "oracle" }
func (p *Plugin) Describe() string { return "ask the language model a question" }

func (p *Plugin) Handle(ctx context.Context, req plugin.Request) (plugin.Response, error) {
	prompt := req.String("text", "")
	if prompt == "" {
		prompt = req.String("prompt", "")
	}
	if prompt == "" {
		return nil, errors.New("oracle: prompt is required")
	}
	if p.oracle == nil || !p.oracle.Enabled() {
		return nil, inner.ErrDisabled
	}

	reply, err := p.oracle.Query(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return plugin.Response{"reply": reply}, nil
}
