package voice

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	logx "novad/pkg/logx"
)

// Config controls spoken output.
type Config struct {
	Enabled bool
	Model   string // OpenAI speech model, default "tts-1"
	Voice   string // OpenAI speech voice, default "nova"
	Timeout time.Duration
}

// Mode reports which backend the adapter settled on.
type Mode string

const (
	ModeOpenAI Mode = "openai"
	ModeLocal  Mode = "local"
	ModeOff    Mode = "off"
)

// Backends are probed once at construction:
//  1. OpenAI speech API (requires OPENAI_API_KEY and an audio player)
//  2. Local synthesizer (espeak-ng, espeak or spd-say)
//  3. Disabled no-op
//
// Speak degrades per call: an OpenAI failure falls back to the local
// synthesizer for that call instead of failing outright.
type Adapter struct {
	log logx.Logger
	cfg Config

	client *openai.Client
	player string // audio player binary for OpenAI mp3 output
	local  string // local synthesizer binary

	mode Mode
}

// players that can handle an mp3 file from the command line, in preference order.
var playerCandidates = []string{"mpg123", "mpv", "ffplay", "paplay"}

var localCandidates = []string{"espeak-ng", "espeak", "spd-say"}

// styleVoices maps a per-call style hint to an OpenAI speech voice.
var styleVoices = map[string]openai.SpeechVoice{
	"alloy":   openai.VoiceAlloy,
	"echo":    openai.VoiceEcho,
	"fable":   openai.VoiceFable,
	"onyx":    openai.VoiceOnyx,
	"nova":    openai.VoiceNova,
	"shimmer": openai.VoiceShimmer,
}

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceNova)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	a := &Adapter{log: log, cfg: cfg, mode: ModeOff}
	if !cfg.Enabled {
		log.Debug("voice disabled by config")
		return a
	}

	a.player = probe(playerCandidates)
	a.local = probe(localCandidates)

	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" && a.player != "" {
		a.client = openai.NewClient(key)
		a.mode = ModeOpenAI
	} else if a.local != "" {
		a.mode = ModeLocal
	}

	log.Info("voice adapter ready",
		logx.String("mode", string(a.mode)),
		logx.String("player", a.player),
		logx.String("local", a.local),
	)
	return a
}

func probe(candidates []string) string {
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func (a *Adapter) Mode() Mode {
	if a == nil {
		return ModeOff
	}
	return a.mode
}

// Speak voices text. It returns whether anything was actually spoken.
// The call is bounded by the configured timeout; failures are logged,
// never propagated. style is an optional per-call hint naming an OpenAI
// voice; unknown hints fall back to the configured voice, and local
// synthesizers take no style and ignore it.
func (a *Adapter) Speak(ctx context.Context, text, style string) bool {
	if a == nil || a.mode == ModeOff {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if a.mode == ModeOpenAI {
		if a.speakOpenAI(ctx, text, a.resolveVoice(style)) {
			return true
		}
		// Per-call fallback.
		if a.local != "" {
			return a.speakLocal(ctx, text)
		}
		return false
	}
	return a.speakLocal(ctx, text)
}

// resolveVoice picks the OpenAI voice for one call.
func (a *Adapter) resolveVoice(style string) string {
	if v, ok := styleVoices[strings.ToLower(strings.TrimSpace(style))]; ok {
		return string(v)
	}
	return a.cfg.Voice
}

func (a *Adapter) speakOpenAI(ctx context.Context, text, voiceName string) bool {
	resp, err := a.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(a.cfg.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(voiceName),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		a.log.Warn("speech synthesis failed", logx.Err(err))
		return false
	}
	defer resp.Close()

	f, err := os.CreateTemp("", "novad-speech-*.mp3")
	if err != nil {
		a.log.Warn("speech temp file failed", logx.Err(err))
		return false
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	_, err = io.Copy(f, resp)
	cerr := f.Close()
	if err != nil || cerr != nil {
		a.log.Warn("speech write failed", logx.Err(err))
		return false
	}

	var cmd *exec.Cmd
	switch {
	case strings.HasSuffix(a.player, "ffplay"):
		cmd = exec.CommandContext(ctx, a.player, "-nodisp", "-autoexit", "-loglevel", "quiet", tmp)
	case strings.HasSuffix(a.player, "mpv"):
		cmd = exec.CommandContext(ctx, a.player, "--no-video", "--really-quiet", tmp)
	default:
		cmd = exec.CommandContext(ctx, a.player, tmp)
	}
	if err := cmd.Run(); err != nil {
		a.log.Warn("audio playback failed", logx.String("player", a.player), logx.Err(err))
		return false
	}
	return true
}

func (a *Adapter) speakLocal(ctx context.Context, text string) bool {
	if a.local == "" {
		return false
	}
	cmd := exec.CommandContext(ctx, a.local, text)
	if err := cmd.Run(); err != nil {
		a.log.Warn("local speech failed", logx.String("synth", a.local), logx.Err(err))
		return false
	}
	return true
}
