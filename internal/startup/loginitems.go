package startup

import (
	"context"
	"fmt"
	"strings"
)

// LoginItems lists and removes per-user login items.
type LoginItems interface {
	List(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, name string) error
}

const listLoginItemsScript = `tell application "System Events"
	set AppleScript's text item delimiters to linefeed
	return (name of every login item) as text
end tell`

// AppleScriptLoginItems talks to System Events through osascript.
type AppleScriptLoginItems struct {
	run Runner
}

func NewAppleScriptLoginItems(run Runner) *AppleScriptLoginItems {
	return &AppleScriptLoginItems{run: run}
}

func (a *AppleScriptLoginItems) List(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "osascript", "-e", listLoginItemsScript)
	if err != nil {
		return nil, err
	}
	return parseLoginItems(string(out)), nil
}

func (a *AppleScriptLoginItems) Remove(ctx context.Context, name string) error {
	script := fmt.Sprintf(`tell application "System Events" to delete login item "%s"`, escapeAppleScript(name))
	if _, err := a.run(ctx, "osascript", "-e", script); err != nil {
		return fmt.Errorf("remove login item %q: %w", name, err)
	}
	return nil
}

func parseLoginItems(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
