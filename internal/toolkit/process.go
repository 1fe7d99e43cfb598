package toolkit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/opsflow/guardian/pkg/toolproto"
)

// Process manages the lifecycle of a tool subprocess.
type Process struct {
	mu     sync.Mutex
	path   string
	args   []string
	cmd    *exec.Cmd
	exited chan struct{}
}

func NewProcess(binaryPath string, args ...string) *Process {
	return &Process{path: binaryPath, args: args}
}

// Start launches the tool binary and reads its handshake line from stdout.
// The tool must print "version|network|address\n" within timeout.
func (p *Process) Start(ctx context.Context, timeout time.Duration) (toolproto.Handshake, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return toolproto.Handshake{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return toolproto.Handshake{}, fmt.Errorf("start %s: %w", p.path, err)
	}
	p.cmd = cmd
	p.exited = make(chan struct{})
	exited := p.exited

	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	hsLine := make(chan string, 1)
	hsErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			hsLine <- strings.TrimSpace(scanner.Text())
		} else if err := scanner.Err(); err != nil {
			hsErr <- fmt.Errorf("reading handshake: %w", err)
		} else {
			hsErr <- fmt.Errorf("tool closed stdout before handshake")
		}
		// keep the pipe drained
		_, _ = io.Copy(io.Discard, stdout)
	}()

	select {
	case line := <-hsLine:
		hs, err := toolproto.ParseHandshake(line)
		if err != nil {
			_ = cmd.Process.Kill()
			return toolproto.Handshake{}, err
		}
		return hs, nil
	case err := <-hsErr:
		_ = cmd.Process.Kill()
		return toolproto.Handshake{}, err
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		return toolproto.Handshake{}, fmt.Errorf("handshake timeout after %s for %s", timeout, p.path)
	case <-exited:
		return toolproto.Handshake{}, fmt.Errorf("tool exited before handshake: %s", p.path)
	}
}

// Stop interrupts the process and kills it if it is still running after
// grace.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Warn("tool process: interrupt failed, killing", "path", p.path, "error", err)
		return cmd.Process.Kill()
	}
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		slog.Warn("tool process did not exit, killing", "path", p.path, "grace", grace)
		return cmd.Process.Kill()
	}
}
