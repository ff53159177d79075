package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds a plugin call when the registry is built without one.
const DefaultTimeout = 30 * time.Second

// Registry holds the plugins by name and invokes them under a timeout.
// Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A non-positive timeout falls back to
// DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins: make(map[string]Plugin),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds p under p.Name().
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}
	r.plugins[name] = p
	r.logger.Info("payment plugin registered", slog.String("plugin", name))
	return nil
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return p, nil
}

// Names returns the registered plugin names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type invokeResult struct {
	result *Result
	err    error
}

// Invoke runs the named plugin with the registry timeout. The call returns
// when the timeout fires even if the plugin ignores ctx; a timed out call
// is reported as ErrRetryable.
func (r *Registry) Invoke(ctx context.Context, name string, req *Request) (*Result, error) {
	p, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		res, err := p.Execute(ctx, req)
		done <- invokeResult{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: plugin %s: %v", ErrRetryable, name, out.err)
		}
		if out.err == nil && out.result == nil {
			return nil, fmt.Errorf("plugin %s returned no result", name)
		}
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("payment plugin timed out",
				slog.String("plugin", name),
				slog.String("external_key", req.ExternalKey),
				slog.Duration("timeout", r.timeout))
			return nil, fmt.Errorf("%w: plugin %s timed out after %s", ErrRetryable, name, r.timeout)
		}
		return nil, ctx.Err()
	}
}
