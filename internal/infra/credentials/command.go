package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ahrav/harvester/internal/app/acquisition"
)

// DefaultCommandTimeout bounds a token capture script. Browser captures are
// slow, so it is generous.
const DefaultCommandTimeout = 2 * time.Minute

var _ acquisition.Bootstrapper = (*Command)(nil)

// Command runs an external program, typically a headless browser script
// that logs in and captures the token, and uses its trimmed stdout.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// Token implements acquisition.Bootstrapper.
func (c *Command) Token(ctx context.Context) (string, error) {
	if c.Path == "" {
		return "", errors.New("command bootstrapper needs a path")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren may hold the pipes open after a kill.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("token command %s: %w: %s", c.Path, err, msg)
		}
		return "", fmt.Errorf("token command %s: %w", c.Path, err)
	}

	token := strings.TrimSpace(stdout.String())
	if token == "" {
		return "", fmt.Errorf("token command %s printed nothing: %w", c.Path, ErrNoToken)
	}
	return token, nil
}
