package startup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// DaemonManager reports and changes which agent and daemon labels are
// loaded.
type DaemonManager interface {
	LoadedLabels(ctx context.Context) ([]string, error)
	Load(ctx context.Context, label, path string) error
	Unload(ctx context.Context, label string) error
}

// Launchctl drives launchd through the launchctl command.
type Launchctl struct {
	run Runner
}

func NewLaunchctl(run Runner) *Launchctl {
	return &Launchctl{run: run}
}

func (l *Launchctl) LoadedLabels(ctx context.Context) ([]string, error) {
	out, err := l.run(ctx, "launchctl", "list")
	if err != nil {
		return nil, err
	}
	return parseLaunchctlList(out), nil
}

// Load loads and persistently enables the definition at path.
func (l *Launchctl) Load(ctx context.Context, label, path string) error {
	if _, err := l.run(ctx, "launchctl", "load", "-w", path); err != nil {
		return fmt.Errorf("load %s: %w", label, err)
	}
	return nil
}

// Unload removes the job with the given label from launchd.
func (l *Launchctl) Unload(ctx context.Context, label string) error {
	if _, err := l.run(ctx, "launchctl", "remove", label); err != nil {
		return fmt.Errorf("unload %s: %w", label, err)
	}
	return nil
}

// parseLaunchctlList extracts the label column from "launchctl list"
// output: "PID\tStatus\tLabel" followed by one row per job.
func parseLaunchctlList(out []byte) []string {
	var labels []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[0] == "PID" && fields[2] == "Label" {
			continue
		}
		labels = append(labels, fields[2])
	}
	return labels
}
