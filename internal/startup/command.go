package startup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrLoginItemEnable is returned when enabling a login item is
	// requested; login items can only be removed.
	ErrLoginItemEnable = errors.New("login items cannot be enabled")
	// ErrUnsupportedKind is returned for an item kind the operation does
	// not handle.
	ErrUnsupportedKind = errors.New("unsupported startup item kind")
)

// DefaultCommandTimeout bounds each external command.
const DefaultCommandTimeout = 5 * time.Second

// Runner executes an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec, killing them after timeout.
func ExecRunner(timeout time.Duration) Runner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, name, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
			}
			return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return out, nil
	}
}
