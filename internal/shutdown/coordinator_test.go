// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIsLIFOAndOnce(t *testing.T) {
	c := NewCoordinator()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		c.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"third", "second", "first"}, order)

	order = nil
	require.NoError(t, c.Run(context.Background()))
	assert.Empty(t, order)

	c.Register("late", func(context.Context) error {
		order = append(order, "late")
		return nil
	})
	require.NoError(t, c.Run(context.Background()))
	assert.Empty(t, order)
}

type closer struct{ err error }

func (c *closer) Close() error { return c.err }

func TestRunJoinsErrors(t *testing.T) {
	c := NewCoordinator()
	boom := errors.New("boom")
	c.RegisterCloser("journal", &closer{err: boom})
	c.RegisterCloser("ok", &closer{})
	c.Register("nil hook", nil)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "journal")
}

func TestHooksShareRunContext(t *testing.T) {
	c := NewCoordinator()
	ran := 0
	c.RegisterCloser("journal", &closer{})
	c.Register("telemetry", func(ctx context.Context) error {
		ran++
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Run(ctx)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, ran)
}

func TestHooksRunAfterCancellation(t *testing.T) {
	c := NewCoordinator()
	closed := false
	c.Register("journal", func(context.Context) error {
		closed = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))
	assert.True(t, closed)
}
