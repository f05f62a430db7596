package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/23skdu/longbow-llamaload/internal/envconfig"
)

type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeChat     Mode = "chat"
)

// RunConfig is everything the inference engine needs besides the model.
type RunConfig struct {
	ModelPath     string
	TokenizerPath string
	Temperature   float32
	TopP          float32
	Seed          int64
	Steps         int // 0 means max_seq_len
	Prompt        string
	Mode          Mode
	SystemPrompt  string
	OffloadLayers int // -1 means engine default
	Stream        bool
}

func Default() RunConfig {
	return RunConfig{
		TokenizerPath: "tokenizer.bin",
		Temperature:   1.0,
		TopP:          0.9,
		Steps:         256,
		Mode:          ModeGenerate,
		OffloadLayers: -1,
	}
}

var (
	ErrHelp         = errors.New("help requested")
	ErrMissingModel = errors.New("--model is required")
)

// UsageError is returned for any command line the resolver refuses. The
// caller prints Usage and exits non-zero.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return "usage: " + e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// Parse resolves args (without the program name) into a clamped RunConfig.
func Parse(args []string) (RunConfig, error) {
	return ParseAt(args, time.Now)
}

// ParseAt is Parse with an injectable clock for seed defaulting.
func ParseAt(args []string, now func() time.Time) (RunConfig, error) {
	c := Default()
	var help bool
	var mode string
	fs := newFlagSet(&c, &mode, &help)

	if err := fs.Parse(args); err != nil {
		return RunConfig{}, &UsageError{Err: err}
	}
	if help {
		return RunConfig{}, &UsageError{Err: ErrHelp}
	}
	if fs.NArg() > 0 {
		return RunConfig{}, &UsageError{Err: fmt.Errorf("unexpected argument %q", fs.Arg(0))}
	}
	c.Mode = Mode(mode)

	if err := c.Validate(); err != nil {
		return RunConfig{}, &UsageError{Err: err}
	}
	return c.Resolve(now), nil
}

func newFlagSet(c *RunConfig, mode *string, help *bool) *pflag.FlagSet {
	fs := pflag.NewFlagSet("llamaload", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.SortFlags = false

	fs.StringVarP(&c.ModelPath, "model", "m", c.ModelPath, "model checkpoint path (required)")
	fs.StringVarP(&c.TokenizerPath, "tokenizer", "z", c.TokenizerPath, "tokenizer path")
	fs.Float32VarP(&c.Temperature, "temperature", "t", c.Temperature, "sampling temperature in [0,inf)")
	fs.Float32VarP(&c.TopP, "topp", "p", c.TopP, "p value for top-p (nucleus) sampling in [0,1)")
	fs.Int64VarP(&c.Seed, "seed", "s", c.Seed, "random seed, <= 0 uses the current time")
	fs.IntVarP(&c.Steps, "step", "n", c.Steps, "number of steps to run, 0 = max_seq_len")
	fs.StringVarP(&c.Prompt, "prompt", "i", c.Prompt, "input prompt")
	fs.StringVarP(mode, "mode", "M", string(c.Mode), "mode: generate|chat")
	fs.StringVarP(&c.SystemPrompt, "system-prompt", "y", c.SystemPrompt, "system prompt in chat mode")
	fs.IntVarP(&c.OffloadLayers, "ngl", "l", c.OffloadLayers, "number of layers to offload")
	fs.BoolVarP(&c.Stream, "stream", "S", c.Stream, "stream outputs")
	fs.BoolVarP(help, "help", "h", false, "print this message")
	return fs
}

// Validate rejects configurations no clamping can repair.
func (c RunConfig) Validate() error {
	if strings.TrimSpace(c.ModelPath) == "" {
		return ErrMissingModel
	}
	switch c.Mode {
	case ModeGenerate, ModeChat:
	default:
		return fmt.Errorf("invalid mode %q (want generate|chat)", c.Mode)
	}
	return nil
}

// Resolve clamps out-of-range knobs to usable values.
func (c RunConfig) Resolve(now func() time.Time) RunConfig {
	if c.Seed <= 0 {
		c.Seed = now().Unix()
		if c.Seed <= 0 {
			c.Seed = 1
		}
	}
	if c.Temperature < 0 {
		c.Temperature = 0
	}
	if c.TopP < 0 || c.TopP >= 1 {
		c.TopP = 0.9
	}
	if c.Steps < 0 {
		c.Steps = 0
	}
	return c
}

// Fields returns the config as logger key-value pairs.
func (c RunConfig) Fields() []interface{} {
	return []interface{}{
		"model", c.ModelPath,
		"tokenizer", c.TokenizerPath,
		"temperature", c.Temperature,
		"topp", c.TopP,
		"seed", c.Seed,
		"steps", c.Steps,
		"mode", string(c.Mode),
		"ngl", c.OffloadLayers,
		"stream", c.Stream,
	}
}

// Usage writes the help text, including environment variables.
func Usage(w io.Writer) {
	c := Default()
	var mode string
	var help bool
	fs := newFlagSet(&c, &mode, &help)

	fmt.Fprintln(w, "Usage: llamaload -m <model_checkpoint> [options]")
	fmt.Fprintln(w, `Example: llamaload -m model.bin -i "Tell me a story"`)
	fmt.Fprintln(w, "Options:")
	fmt.Fprint(w, fs.FlagUsages())

	fmt.Fprintln(w, "Environment Variables:")
	env := envconfig.AsMap()
	for _, name := range envconfig.Names() {
		fmt.Fprintf(w, "      %-24s   %s\n", name, env[name].Description)
	}
}
