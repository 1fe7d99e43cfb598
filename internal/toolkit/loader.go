package toolkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultDialTimeout      = 5 * time.Second
	defaultStopGrace        = 5 * time.Second
)

// Tool kinds accepted in configuration.
const (
	KindLua    = "lua"
	KindBinary = "binary"
	KindTCP    = "tcp"
	KindUnix   = "unix"
)

// Entry is one configured tool integration.
type Entry struct {
	Name        string
	Kind        string
	Path        string // script or binary path
	Address     string // host:port or socket path for tcp/unix
	Description string
	Enabled     bool
}

type loaded struct {
	process *Process
	remote  *RemoteExecutor
}

// Loader starts configured tool integrations and registers them.
type Loader struct {
	mu       sync.Mutex
	registry *Registry
	tools    map[string]*loaded
	logger   *slog.Logger
}

func NewLoader(registry *Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{registry: registry, tools: make(map[string]*loaded), logger: logger}
}

// LoadAll loads every enabled entry and reports all failures together.
func (l *Loader) LoadAll(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, e := range entries {
		if !e.Enabled {
			l.logger.Info("tool disabled, skipping", "tool", e.Name)
			continue
		}
		if err := l.Load(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) Load(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.tools[e.Name]; exists {
		return fmt.Errorf("tool %q already loaded", e.Name)
	}

	var (
		exec Executor
		cap  = Capability{Name: e.Name, Description: e.Description, Kind: e.Kind}
		lt   = &loaded{}
	)
	switch e.Kind {
	case KindLua:
		le, err := NewLuaExecutor(e.Path)
		if err != nil {
			return err
		}
		exec, cap.Rollback = le, true
	case KindBinary:
		proc := NewProcess(e.Path)
		hs, err := proc.Start(ctx, defaultHandshakeTimeout)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		remote, err := DialRemote(hs.Network, hs.Address, defaultDialTimeout)
		if err != nil {
			_ = proc.Stop(defaultStopGrace)
			return fmt.Errorf("dial: %w", err)
		}
		lt.process, lt.remote = proc, remote
		exec, cap = remote, mergeCapability(cap, remote.Capability())
	case KindTCP, KindUnix:
		remote, err := DialRemote(e.Kind, e.Address, defaultDialTimeout)
		if err != nil {
			return err
		}
		lt.remote = remote
		exec, cap = remote, mergeCapability(cap, remote.Capability())
	default:
		return fmt.Errorf("unsupported tool kind %q", e.Kind)
	}

	if err := l.registry.Register(cap, exec); err != nil {
		l.release(lt)
		return fmt.Errorf("register: %w", err)
	}
	l.tools[e.Name] = lt
	l.logger.Info("tool loaded", "tool", e.Name, "kind", e.Kind, "rollback", cap.Rollback)
	return nil
}

// mergeCapability keeps the configured name so steps reference tools by the
// id operators chose.
func mergeCapability(configured, reported Capability) Capability {
	reported.Name = configured.Name
	reported.Kind = configured.Kind
	if configured.Description != "" {
		reported.Description = configured.Description
	}
	return reported
}

func (l *Loader) release(lt *loaded) {
	if lt.remote != nil {
		_ = lt.remote.Close()
	}
	if lt.process != nil {
		_ = lt.process.Stop(defaultStopGrace)
	}
}

// Unload deregisters a tool and stops its process, if any.
func (l *Loader) Unload(name string) error {
	l.mu.Lock()
	lt, ok := l.tools[name]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("tool %q not loaded", name)
	}
	delete(l.tools, name)
	l.mu.Unlock()

	l.registry.Deregister(name)
	l.release(lt)
	return nil
}

// StopAll unloads every tool.
func (l *Loader) StopAll() {
	l.mu.Lock()
	names := make([]string, 0, len(l.tools))
	for name := range l.tools {
		names = append(names, name)
	}
	l.mu.Unlock()

	for _, name := range names {
		if err := l.Unload(name); err != nil {
			l.logger.Warn("unload tool", "tool", name, "error", err)
		}
	}
}
