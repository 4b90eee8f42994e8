// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package shutdown releases process-wide resources such as the trace
// exporter and the run journal when a command finishes or is interrupted.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dotandev/cilpatch/internal/logger"
)

type HookFunc func(context.Context) error

// Coordinator runs registered hooks once, last registered first. Every hook
// gets the context passed to Run, so a single deadline bounds the whole
// shutdown.
type Coordinator struct {
	mu    sync.Mutex
	names []string
	hooks []HookFunc
	done  bool
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Register adds a hook. Hooks registered after Run are ignored.
func (c *Coordinator) Register(name string, fn HookFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		logger.Logger.Debug("Shutdown hook registered too late", "hook", name)
		return
	}
	c.names = append(c.names, name)
	c.hooks = append(c.hooks, fn)
}

// RegisterCloser adapts a Close method.
func (c *Coordinator) RegisterCloser(name string, closer interface{ Close() error }) {
	c.Register(name, func(context.Context) error { return closer.Close() })
}

// Run executes the hooks and joins their errors. A hook still runs when ctx
// is already done; hooks that honour ctx return promptly.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	names, hooks := c.names, c.hooks
	c.names, c.hooks = nil, nil
	c.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			logger.Logger.Warn("Shutdown hook failed", "hook", names[i], "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", names[i], err))
			continue
		}
		logger.Logger.Debug("Shutdown hook finished", "hook", names[i])
	}
	return errors.Join(errs...)
}
