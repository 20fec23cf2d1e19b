// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package hemi

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lifespanApp answers lifespan events with the given replies and counts the phases it saw.
func lifespanApp(startup Event, shutdown Event, phases *atomic.Int32) Application {
	return AppFunc(func(ctx context.Context, scope *Scope, receive Receive, send Send) error {
		if scope.Type != ScopeLifespan {
			return errors.New("not a lifespan scope")
		}
		for {
			ev, err := receive(ctx)
			if err != nil {
				return err
			}
			phases.Add(1)
			switch ev.(type) {
			case *LifespanStartup:
				if err := send(ctx, startup); err != nil {
					return err
				}
			case *LifespanShutdown:
				return send(ctx, shutdown)
			}
		}
	})
}

func TestLifespanComplete(t *testing.T) {
	var phases atomic.Int32
	l := NewLifespan(lifespanApp(&LifespanComplete{}, &LifespanComplete{}, &phases), time.Second, NopLogger())
	require.NoError(t, l.Startup(context.Background()))
	assert.True(t, l.Supported())
	require.NoError(t, l.Shutdown(context.Background()))
	assert.Equal(t, int32(2), phases.Load())

	require.NoError(t, l.Startup(context.Background())) // phases run once
	assert.Equal(t, int32(2), phases.Load())
}

func TestLifespanStartupFailed(t *testing.T) {
	var phases atomic.Int32
	l := NewLifespan(lifespanApp(&LifespanFailed{Message: "database unreachable"}, &LifespanComplete{}, &phases), time.Second, NopLogger())
	err := l.Startup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLifespan)
	assert.Contains(t, err.Error(), "database unreachable")
}

func TestLifespanShutdownFailed(t *testing.T) {
	var phases atomic.Int32
	l := NewLifespan(lifespanApp(&LifespanComplete{}, &LifespanFailed{Message: "flush failed"}, &phases), time.Second, NopLogger())
	require.NoError(t, l.Startup(context.Background()))
	err := l.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrLifespan)
	assert.Contains(t, err.Error(), "flush failed")
}

func TestLifespanUnsupportedWhenAppReturns(t *testing.T) {
	app := AppFunc(func(ctx context.Context, scope *Scope, receive Receive, send Send) error {
		if scope.Type == ScopeLifespan {
			return errors.New("lifespan is not handled here")
		}
		return nil
	})
	l := NewLifespan(app, time.Second, NopLogger())
	require.NoError(t, l.Startup(context.Background()))
	assert.False(t, l.Supported())
	require.NoError(t, l.Shutdown(context.Background()))
}

func TestLifespanUnsupportedWhenAppPanics(t *testing.T) {
	app := AppFunc(func(ctx context.Context, scope *Scope, receive Receive, send Send) error {
		panic("boom")
	})
	l := NewLifespan(app, time.Second, NopLogger())
	require.NoError(t, l.Startup(context.Background()))
	assert.False(t, l.Supported())
}

func TestLifespanTimeout(t *testing.T) {
	app := AppFunc(func(ctx context.Context, scope *Scope, receive Receive, send Send) error {
		<-ctx.Done() // never answers
		return ctx.Err()
	})
	l := NewLifespan(app, 50*time.Millisecond, NopLogger())
	start := time.Now()
	require.NoError(t, l.Startup(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, l.Supported())
	require.NoError(t, l.Shutdown(context.Background())) // skipped once unsupported
}

func TestLifespanStartupCancelled(t *testing.T) {
	app := AppFunc(func(ctx context.Context, scope *Scope, receive Receive, send Send) error {
		<-ctx.Done()
		return ctx.Err()
	})
	l := NewLifespan(app, time.Minute, NopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Startup(ctx)
	assert.ErrorIs(t, err, ErrLifespan)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLifespanRejectsOtherEvents(t *testing.T) {
	sent := make(chan error, 1)
	app := AppFunc(func(ctx context.Context, scope *Scope, receive Receive, send Send) error {
		if _, err := receive(ctx); err != nil {
			return err
		}
		sent <- send(ctx, &ResponseStart{Status: 200})
		return send(ctx, &LifespanComplete{})
	})
	l := NewLifespan(app, time.Second, NopLogger())
	require.NoError(t, l.Startup(context.Background()))
	assert.ErrorIs(t, <-sent, ErrApplication)
	assert.True(t, l.Supported())
}

func TestLifespanShutdownWithoutStartup(t *testing.T) {
	var phases atomic.Int32
	l := NewLifespan(lifespanApp(&LifespanComplete{}, &LifespanComplete{}, &phases), time.Second, NopLogger())
	require.NoError(t, l.Shutdown(context.Background()))
	assert.Equal(t, int32(0), phases.Load())
	assert.False(t, l.Supported())
}
