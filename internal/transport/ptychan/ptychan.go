// Package ptychan starts local shells behind a PTY so localhost sessions
// flow through the same channel contract as remote ones.
package ptychan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	"github.com/termpilot/termpilot/internal/transport"
)

// Provider implements transport.Provider for local PTY shells.
type Provider struct{}

// New constructs a local PTY provider.
func New() *Provider {
	return &Provider{}
}

// Connect starts the endpoint's shell under a PTY.
func (p *Provider) Connect(ctx context.Context, endpoint transport.Endpoint, _ transport.Auth) (transport.Channel, error) {
	shell := strings.TrimSpace(endpoint.LocalShell)
	if shell == "" || shell == "default" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	// #nosec G204 -- the shell path comes from local configuration.
	cmd := exec.Command(shell, "-i")
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, &transport.ConnectError{
			Endpoint: endpoint.Addr(),
			Reason:   transport.ReasonUnreachable,
			Err:      fmt.Errorf("start local shell %q: %w", shell, err),
		}
	}

	_ = ctx
	return &ptyChannel{ptmx: ptmx, cmd: cmd}, nil
}

type ptyChannel struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

func (c *ptyChannel) Read(p []byte) (int, error) {
	n, err := c.ptmx.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, fmt.Errorf("%w: local shell exited", transport.ErrTransport)
		}
		return n, fmt.Errorf("%w: pty read: %v", transport.ErrTransport, err)
	}
	return n, nil
}

func (c *ptyChannel) Write(p []byte) (int, error) {
	n, err := c.ptmx.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: pty write: %v", transport.ErrTransport, err)
	}
	return n, nil
}

func (c *ptyChannel) Close() error {
	closeErr := c.ptmx.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	if closeErr != nil {
		return fmt.Errorf("close pty: %w", closeErr)
	}
	return nil
}
