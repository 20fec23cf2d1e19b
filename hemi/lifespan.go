// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Lifespan coordinator.

package hemi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Lifespan runs the application's startup and shutdown phases. Each phase runs at most once.
// An application that returns without answering, or does not answer in time, does not support lifespan
// and both phases succeed.
type Lifespan struct {
	// Assocs
	app    Application
	logger *Logger
	// States
	timeout     time.Duration
	startOnce   sync.Once
	shutOnce    sync.Once
	startErr    error
	shutErr     error
	launched    bool
	unsupported bool
	ctx         context.Context
	cancel      context.CancelFunc
	toApp       chan Event
	fromApp     chan Event
	exited      chan struct{} // closed when the application returns
	appErr      error         // valid after exited is closed
}

func NewLifespan(app Application, timeout time.Duration, logger *Logger) *Lifespan {
	l := new(Lifespan)
	l.app = app
	l.logger = logger
	l.timeout = timeout
	l.toApp = make(chan Event, 1)
	l.fromApp = make(chan Event, 2)
	l.exited = make(chan struct{})
	return l
}

// Startup runs the startup phase. A LifespanFailed answer is returned as an ErrLifespan error.
func (l *Lifespan) Startup(ctx context.Context) error {
	l.startOnce.Do(func() {
		l.launch()
		l.startErr = l.phase(ctx, &LifespanStartup{}, "startup")
	})
	return l.startErr
}

// Shutdown runs the shutdown phase, then lets the application go.
func (l *Lifespan) Shutdown(ctx context.Context) error {
	l.shutOnce.Do(func() {
		if !l.launched {
			return
		}
		l.shutErr = l.phase(ctx, &LifespanShutdown{}, "shutdown")
		l.cancel()
	})
	return l.shutErr
}

// Supported reports whether the application took part in the lifespan so far.
func (l *Lifespan) Supported() bool { return l.launched && !l.unsupported }

func (l *Lifespan) launch() {
	l.launched = true
	l.ctx, l.cancel = context.WithCancel(context.Background())
	go l.run() // l.exited is closed in run()
}

func (l *Lifespan) run() { // runner
	defer close(l.exited)
	defer func() {
		if x := recover(); x != nil {
			l.appErr = fmt.Errorf("lifespan panic: %v", x)
		}
	}()
	l.appErr = l.app.Serve(l.ctx, &Scope{Type: ScopeLifespan}, l.receive, l.send)
}

func (l *Lifespan) receive(ctx context.Context) (Event, error) {
	select {
	case ev := <-l.toApp:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Lifespan) send(ctx context.Context, ev Event) error {
	switch ev.(type) {
	case *LifespanComplete, *LifespanFailed:
	default:
		return applicationError(0, "unexpected lifespan event "+EventName(ev))
	}
	select {
	case l.fromApp <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lifespan) phase(ctx context.Context, ev Event, name string) error {
	if l.unsupported {
		return nil
	}
	l.toApp <- ev
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case reply := <-l.fromApp:
		return l.answer(reply, name)
	case <-l.exited:
		select { // the application may answer and return at once
		case reply := <-l.fromApp:
			return l.answer(reply, name)
		default:
		}
		l.unsupported = true
		if l.appErr != nil && !errors.Is(l.appErr, context.Canceled) {
			l.logger.Info().Err(l.appErr).Msg("lifespan not supported by the application")
		} else if DebugLevel() >= 1 {
			l.logger.Debug().Msg("lifespan not supported by the application")
		}
		return nil
	case <-timer.C:
		l.unsupported = true
		l.logger.Warn().Str("phase", name).Dur("timeout", l.timeout).Msg("lifespan timed out. continuing without lifespan")
		return nil
	case <-ctx.Done():
		return lifespanError(name+" cancelled", ctx.Err())
	}
}

func (l *Lifespan) answer(reply Event, name string) error {
	if failed, ok := reply.(*LifespanFailed); ok {
		return lifespanError(name+" failed", errors.New(failed.Message))
	}
	if DebugLevel() >= 1 {
		l.logger.Debug().Str("phase", name).Msg("lifespan complete")
	}
	return nil
}
