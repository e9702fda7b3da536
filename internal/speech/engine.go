// Package speech runs an external synthesis command for each utterance.
//
// The engine is a black box: one subprocess per utterance, run to completion.
// Drivers only differ in how (text, voice, rate) become an argv.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "voicetray/pkg/logx"
)

// ErrEngine matches every *EngineError.
var ErrEngine = errors.New("speech engine failed")

// EngineError describes a failed invocation.
type EngineError struct {
	Driver   string
	ExitCode int // -1 when the process never started or was killed
	Stderr   string
	Err      error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.Driver)
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if e.Stderr != "" {
		b.WriteString(" (stderr: ")
		b.WriteString(e.Stderr)
		b.WriteString(")")
	}
	return b.String()
}

func (e *EngineError) Is(target error) bool { return target == ErrEngine }

func (e *EngineError) Unwrap() error { return e.Err }

type Config struct {
	// Driver is one of auto, say, espeak, sapi, command.
	Driver  string
	Command string
	Args    []string
}

// invocation is a ready-to-run command line.
type invocation struct {
	name  string
	args  []string
	stdin string
	env   []string
}

type driver struct {
	name  string
	build func(text, voice string, rate int) invocation
}

// Engine speaks through the configured driver. Apply swaps drivers without
// affecting an utterance already in progress.
type Engine struct {
	log logx.Logger
	drv atomic.Pointer[driver]
}

const maxStderr = 2048

func New(cfg Config, log logx.Logger) (*Engine, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{log: log}
	if err := e.Apply(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply selects a driver. An unknown driver is an error and keeps the previous one.
func (e *Engine) Apply(cfg Config) error {
	d, err := resolve(cfg, runtime.GOOS)
	if err != nil {
		return err
	}
	first := invocationName(d)
	if _, lerr := exec.LookPath(first); lerr != nil {
		// Not fatal: the binary may appear later (PATH change, install).
		e.log.Warn("speech command not found", logx.String("driver", d.name), logx.String("command", first))
	}
	e.drv.Store(d)
	e.log.Debug("speech driver selected", logx.String("driver", d.name))
	return nil
}

func invocationName(d *driver) string { return d.build("", "", 0).name }

// Name returns the active driver name.
func (e *Engine) Name() string {
	if d := e.drv.Load(); d != nil {
		return d.name
	}
	return ""
}

// Speak blocks until the command exits. Cancelling ctx kills the process.
func (e *Engine) Speak(ctx context.Context, text, voice string, rate int) error {
	d := e.drv.Load()
	if d == nil {
		return &EngineError{Driver: "none", ExitCode: -1, Err: errors.New("no driver configured")}
	}
	inv := d.build(text, voice, rate)

	cmd := exec.CommandContext(ctx, inv.name, inv.args...)
	if inv.stdin != "" {
		cmd.Stdin = strings.NewReader(inv.stdin)
	}
	if len(inv.env) > 0 {
		cmd.Env = append(os.Environ(), inv.env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxStderr}
	// Orphaned grandchildren can hold stderr open after a kill.
	cmd.WaitDelay = 2 * time.Second
	hideWindow(cmd)

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		e.log.Trace("speech command finished", logx.String("driver", d.name), logx.Duration("took", time.Since(start)))
		return nil
	}

	ee := &EngineError{Driver: d.name, ExitCode: -1, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ee.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		ee.Err = fmt.Errorf("interrupted: %w", ctx.Err())
	}
	return ee
}

func resolve(cfg Config, goos string) (*driver, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "auto" {
		switch goos {
		case "darwin":
			name = "say"
		case "windows":
			name = "sapi"
		default:
			name = "espeak"
		}
	}
	switch name {
	case "say":
		return &driver{name: name, build: sayArgs}, nil
	case "espeak":
		return &driver{name: name, build: espeakArgs}, nil
	case "sapi":
		return &driver{name: name, build: sapiArgs}, nil
	case "command":
		command := strings.TrimSpace(cfg.Command)
		if command == "" {
			return nil, errors.New("speech.command is required for the command driver")
		}
		args := append([]string(nil), cfg.Args...)
		return &driver{name: name, build: func(text, voice string, rate int) invocation {
			return customArgs(command, args, text, voice, rate)
		}}, nil
	default:
		return nil, fmt.Errorf("unknown speech driver %q", cfg.Driver)
	}
}

func sayArgs(text, voice string, rate int) invocation {
	args := make([]string, 0, 6)
	if voice != "" {
		args = append(args, "-v", voice)
	}
	if rate > 0 {
		args = append(args, "-r", strconv.Itoa(rate))
	}
	return invocation{name: "say", args: append(args, "--", text)}
}

// espeak has no equivalent of the macOS voice names; only the rate carries over.
func espeakArgs(text, _ string, rate int) invocation {
	args := make([]string, 0, 4)
	if rate > 0 {
		args = append(args, "-s", strconv.Itoa(rate))
	}
	return invocation{name: "espeak", args: append(args, "--", text)}
}

// sapiTextEnv carries the utterance to PowerShell. The text never becomes
// part of the script, so no quoting rules apply to it.
const sapiTextEnv = "VOICETRAY_TEXT"

func sapiArgs(text, voice string, rate int) invocation {
	script := fmt.Sprintf(
		"Add-Type -AssemblyName System.Speech; "+
			"$s = New-Object System.Speech.Synthesis.SpeechSynthesizer; "+
			"$s.SelectVoice('%s'); $s.Rate = %d; $s.Speak($env:%s)",
		sapiVoice(voice), sapiRate(rate), sapiTextEnv,
	)
	return invocation{
		name: "powershell",
		args: []string{"-NoProfile", "-NonInteractive", "-Command", script},
		env:  []string{sapiTextEnv + "=" + text},
	}
}

// sapiVoice maps macOS voice names onto the two stock Windows voices.
func sapiVoice(voice string) string {
	switch strings.ToLower(strings.TrimSpace(voice)) {
	case "samantha", "karen", "victoria", "fiona", "moira":
		return "Microsoft Zira Desktop"
	default:
		return "Microsoft David Desktop"
	}
}

// sapiRate maps words per minute onto SAPI's -10..10 scale; 220 wpm is 0.
func sapiRate(wpm int) int {
	r := (wpm - 220) / 15
	if r < -10 {
		return -10
	}
	if r > 10 {
		return 10
	}
	return r
}

// customArgs substitutes {text}, {voice} and {rate}. When no argument
// mentions {text}, the text is written to stdin instead.
func customArgs(command string, tmpl []string, text, voice string, rate int) invocation {
	r := strings.NewReplacer("{text}", text, "{voice}", voice, "{rate}", strconv.Itoa(rate))
	args := make([]string, 0, len(tmpl))
	usesText := false
	for _, a := range tmpl {
		if strings.Contains(a, "{text}") {
			usesText = true
		}
		args = append(args, r.Replace(a))
	}
	inv := invocation{name: command, args: args}
	if !usesText {
		inv.stdin = text
	}
	return inv
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
