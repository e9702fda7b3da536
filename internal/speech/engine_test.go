package speech

import (
	"context"
	"errors"
	"os/exec"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	logx "voicetray/pkg/logx"
)

func TestResolveAuto(t *testing.T) {
	t.Parallel()
	cases := map[string]string{"darwin": "say", "windows": "sapi", "linux": "espeak", "freebsd": "espeak"}
	for goos, want := range cases {
		d, err := resolve(Config{Driver: "auto"}, goos)
		if err != nil {
			t.Fatalf("%s: %v", goos, err)
		}
		if d.name != want {
			t.Fatalf("%s: driver=%s want %s", goos, d.name, want)
		}
	}
	if _, err := resolve(Config{Driver: "festival"}, "linux"); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := resolve(Config{Driver: "command"}, "linux"); err == nil {
		t.Fatalf("expected missing command error")
	}
}

func TestDriverArgs(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		got  invocation
		want invocation
	}{
		{
			name: "say",
			got:  sayArgs("-hello", "Samantha", 220),
			want: invocation{name: "say", args: []string{"-v", "Samantha", "-r", "220", "--", "-hello"}},
		},
		{
			name: "espeak ignores voice",
			got:  espeakArgs("hi", "Samantha", 175),
			want: invocation{name: "espeak", args: []string{"-s", "175", "--", "hi"}},
		},
		{
			name: "custom with text placeholder",
			got:  customArgs("piper", []string{"--voice", "{voice}", "--speed={rate}", "{text}"}, "hi", "en", 200),
			want: invocation{name: "piper", args: []string{"--voice", "en", "--speed=200", "hi"}},
		},
		{
			name: "custom without text placeholder uses stdin",
			got:  customArgs("festival", []string{"--tts"}, "hi", "en", 200),
			want: invocation{name: "festival", args: []string{"--tts"}, stdin: "hi"},
		},
		{
			name: "sapi passes text through the environment",
			got:  sapiArgs("x\u2019); calc; #", "Alex", 220),
			want: invocation{
				name: "powershell",
				args: []string{"-NoProfile", "-NonInteractive", "-Command",
					"Add-Type -AssemblyName System.Speech; $s = New-Object System.Speech.Synthesis.SpeechSynthesizer; " +
						"$s.SelectVoice('Microsoft David Desktop'); $s.Rate = 0; $s.Speak($env:VOICETRAY_TEXT)"},
				env: []string{"VOICETRAY_TEXT=x\u2019); calc; #"},
			},
		},
	}
	for _, tc := range cases {
		if !reflect.DeepEqual(tc.got, tc.want) {
			t.Fatalf("%s: got %+v want %+v", tc.name, tc.got, tc.want)
		}
	}
}

func TestSAPIMapping(t *testing.T) {
	t.Parallel()
	rates := map[int]int{220: 0, 175: -3, 250: 2, 50: -10, 600: 10}
	for wpm, want := range rates {
		if got := sapiRate(wpm); got != want {
			t.Fatalf("sapiRate(%d)=%d want %d", wpm, got, want)
		}
	}
	if sapiVoice("Karen") != "Microsoft Zira Desktop" || sapiVoice("Alex") != "Microsoft David Desktop" {
		t.Fatalf("voice mapping broken")
	}
}

func TestSAPIKeepsTextOutOfScript(t *testing.T) {
	t.Parallel()
	for _, text := range []string{
		"it's",
		"x\u2019); Remove-Item C:\\ -Recurse; #",
		"x\u2018) | Out-Null; calc; #",
		"$(calc) `n \"quoted\"",
	} {
		inv := sapiArgs(text, "Samantha", 220)
		script := inv.args[len(inv.args)-1]
		if strings.Contains(script, text) || strings.Contains(script, "calc") || strings.Contains(script, "Remove-Item") {
			t.Fatalf("text leaked into script: %s", script)
		}
		if !strings.Contains(script, "$s.Speak($env:"+sapiTextEnv+")") {
			t.Fatalf("script does not read the text from the environment: %s", script)
		}
		if !reflect.DeepEqual(inv.env, []string{sapiTextEnv + "=" + text}) {
			t.Fatalf("env=%q", inv.env)
		}
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestSpeakRunsCommand(t *testing.T) {
	requireShell(t)
	e, err := New(Config{Driver: "command", Command: "sh", Args: []string{"-c", `read x; [ "$x" = "hello" ]`}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Speak(context.Background(), "hello", "v", 200); err != nil {
		t.Fatalf("Speak: %v", err)
	}
}

func TestSpeakReportsExitStatus(t *testing.T) {
	requireShell(t)
	e, err := New(Config{Driver: "command", Command: "sh", Args: []string{"-c", "echo no such voice >&2; exit 3", "{text}"}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Speak(context.Background(), "hello", "v", 200)
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.ExitCode != 3 || ee.Stderr != "no such voice" {
		t.Fatalf("engine error=%+v", ee)
	}
}

func TestSpeakMissingBinary(t *testing.T) {
	e, err := New(Config{Driver: "command", Command: "voicetray-definitely-missing-binary"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Speak(context.Background(), "x", "v", 1); !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}
}

func TestSpeakCancel(t *testing.T) {
	requireShell(t)
	e, err := New(Config{Driver: "command", Command: "sh", Args: []string{"-c", "exec sleep 10", "{text}"}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := e.Speak(ctx, "x", "v", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("process not killed on cancel")
	}
}

func TestApplyKeepsPreviousOnError(t *testing.T) {
	e, err := New(Config{Driver: "espeak"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Apply(Config{Driver: "festival"}); err == nil {
		t.Fatalf("expected error")
	}
	if e.Name() != "espeak" {
		t.Fatalf("driver=%s", e.Name())
	}
}
