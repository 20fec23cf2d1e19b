// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Basic elements that exist between multiple stages.

package hemi

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

const Version = "0.3.0"

var (
	_debugLevel atomic.Int32
)

func DebugLevel() int32         { return _debugLevel.Load() }
func SetDebugLevel(level int32) { _debugLevel.Store(level) }

var (
	appsLock    sync.RWMutex
	appCreators = make(map[string]func() Application) // indexed by appSign
)

// RegisterApp registers an application creator. Apps call it in their init().
func RegisterApp(appSign string, create func() Application) {
	appsLock.Lock()
	defer appsLock.Unlock()

	if _, ok := appCreators[appSign]; ok {
		BugExitln("app conflicts: " + appSign)
	}
	appCreators[appSign] = create
}

// NewApp creates a registered application.
func NewApp(appSign string) (Application, error) {
	appsLock.RLock()
	create := appCreators[appSign]
	appsLock.RUnlock()

	if create == nil {
		return nil, fmt.Errorf("unknown app %q", appSign)
	}
	return create(), nil
}

// AppSigns returns the registered app signs in order.
func AppSigns() []string {
	appsLock.RLock()
	defer appsLock.RUnlock()

	signs := make([]string, 0, len(appCreators))
	for sign := range appCreators {
		signs = append(signs, sign)
	}
	sort.Strings(signs)
	return signs
}

const ( // exit codes
	CodeBug = 20
	CodeUse = 21
	CodeEnv = 22
)

func BugExitln(v ...any) { _exitln(CodeBug, "[BUG] ", v...) }
func UseExitln(v ...any) { _exitln(CodeUse, "[USE] ", v...) }
func EnvExitln(v ...any) { _exitln(CodeEnv, "[ENV] ", v...) }

func _exitln(exitCode int, prefix string, v ...any) {
	fmt.Fprint(os.Stderr, prefix)
	fmt.Fprintln(os.Stderr, v...)
	os.Exit(exitCode)
}
