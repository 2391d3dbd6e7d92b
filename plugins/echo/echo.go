package echo

import (
	"context"

	"novad/internal/plugin"
)

type Plugin struct{}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string     { return "echo" }
func (p *Plugin) Describe() string { return "echo back text" }

func (p *Plugin) Handle(_ context.Context, req plugin.Request) (plugin.Response, error) {
	txt := req.String("text", "")
	if txt == "" {
		txt = "(empty)"
	}
	return plugin.Response{"text": txt}, nil
}
