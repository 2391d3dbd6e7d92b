package oracle

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	logx "novad/pkg/logx"
)

// ErrDisabled is returned when no API key was available at startup.
var ErrDisabled = errors.New("oracle disabled: OPENAI_API_KEY not set")

type Config struct {
	Enabled bool
	Model   string // default "gpt-4o-mini"
	Timeout time.Duration
}

// Oracle answers free-form prompts via the OpenAI chat API.
type Oracle struct {
	log    logx.Logger
	cfg    Config
	client *openai.Client
}

func New(cfg Config, log logx.Logger) *Oracle {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	o := &Oracle{log: log, cfg: cfg}
	if !cfg.Enabled {
		return o
	}
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		o.client = openai.NewClient(key)
	} else {
		log.Debug("oracle disabled: no api key in environment")
	}
	return o
}

func (o *Oracle) Enabled() bool { return o != nil && o.client != nil }

// Query sends a single-turn prompt and returns the model's reply.
// The call is bounded by the configured timeout.
func (o *Oracle) Query(ctx context.Context, prompt string) (string, error) {
	if !o.Enabled() {
		return "", ErrDisabled
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("empty prompt")
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		o.log.Warn("oracle query failed", logx.Err(err), logx.Duration("took", time.Since(started)))
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("oracle returned no choices")
	}

	o.log.Debug("oracle query ok",
		logx.String("model", o.cfg.Model),
		logx.Duration("took", time.Since(started)),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
