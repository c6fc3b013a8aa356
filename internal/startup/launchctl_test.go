package startup

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

type recordingRunner struct {
	calls [][]string
	out   []byte
	err   error
}

func (r *recordingRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.out, r.err
}

func TestParseLaunchctlList(t *testing.T) {
	out := "PID\tStatus\tLabel\n" +
		"-\t0\tcom.apple.SafariHistoryServiceAgent\n" +
		"512\t0\tcom.example.agent\n" +
		"\n" +
		"garbage\n" +
		"-\t78\tcom.example.crashed\n"

	got := parseLaunchctlList([]byte(out))
	want := []string{"com.apple.SafariHistoryServiceAgent", "com.example.agent", "com.example.crashed"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseLaunchctlList() = %v, want %v", got, want)
	}
}

func TestLaunchctl_Commands(t *testing.T) {
	r := &recordingRunner{out: []byte("PID\tStatus\tLabel\n-\t0\tcom.example.a\n")}
	l := NewLaunchctl(r.run)
	ctx := context.Background()

	labels, err := l.LoadedLabels(ctx)
	if err != nil {
		t.Fatalf("LoadedLabels() error = %v", err)
	}
	if len(labels) != 1 || labels[0] != "com.example.a" {
		t.Errorf("LoadedLabels() = %v", labels)
	}
	if err := l.Load(ctx, "com.example.a", "/Library/LaunchAgents/com.example.a.plist"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := l.Unload(ctx, "com.example.a"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}

	want := [][]string{
		{"launchctl", "list"},
		{"launchctl", "load", "-w", "/Library/LaunchAgents/com.example.a.plist"},
		{"launchctl", "remove", "com.example.a"},
	}
	if !reflect.DeepEqual(r.calls, want) {
		t.Errorf("calls = %v, want %v", r.calls, want)
	}
}

func TestLaunchctl_WrapsErrors(t *testing.T) {
	boom := errors.New("exit status 3")
	l := NewLaunchctl((&recordingRunner{err: boom}).run)

	err := l.Unload(context.Background(), "com.example.a")
	if !errors.Is(err, boom) {
		t.Fatalf("Unload() error = %v, want wrapped %v", err, boom)
	}
	if !strings.Contains(err.Error(), "com.example.a") {
		t.Errorf("Unload() error = %q, want label in message", err)
	}
	if _, err := l.LoadedLabels(context.Background()); !errors.Is(err, boom) {
		t.Errorf("LoadedLabels() error = %v, want %v", err, boom)
	}
}

func TestAppleScriptLoginItems(t *testing.T) {
	r := &recordingRunner{out: []byte("Slack\nGoogle Chrome\n\nSpotify, Inc\n")}
	a := NewAppleScriptLoginItems(r.run)

	names, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"Slack", "Google Chrome", "Spotify, Inc"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}

	if err := a.Remove(context.Background(), `Evil" to quit`); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	last := r.calls[len(r.calls)-1]
	script := last[len(last)-1]
	if !strings.Contains(script, `delete login item "Evil\" to quit"`) {
		t.Errorf("Remove() script = %q, want escaped name", script)
	}
}

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Slack", "Slack"},
		{`say "hi"`, `say \"hi\"`},
		{`back\slash`, `back\\slash`},
		{`\"`, `\\\"`},
	}
	for _, tt := range tests {
		if got := escapeAppleScript(tt.in); got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExecRunner(t *testing.T) {
	run := ExecRunner(2 * time.Second)
	ctx := context.Background()

	out, err := run(ctx, "sh", "-c", "printf ok")
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if string(out) != "ok" {
		t.Errorf("run() = %q, want ok", out)
	}

	_, err = run(ctx, "sh", "-c", "echo nope >&2; exit 3")
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("run() error = %v, want stderr in message", err)
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	run := ExecRunner(50 * time.Millisecond)
	start := time.Now()
	if _, err := run(context.Background(), "sleep", "5"); err == nil {
		t.Fatal("run() error = nil, want timeout")
	}
	if took := time.Since(start); took > 3*time.Second {
		t.Errorf("run() took %v, want it killed near the timeout", took)
	}
}
