// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Hypergate application server.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hexinfra/hypergate/hemi"

	_ "github.com/hexinfra/hypergate/apps" // all applications
)

const usage = `
Hypergate (%s)
================================================================================

  hypergate [ACTION] [OPTIONS]

ACTION
------

  help       # show this message
  version    # show version info
  apps       # list registered applications
  serve      # start as server. this is the default action

  Only one action is allowed at a time.
  If ACTION is missing, the default action is used.

OPTIONS
-------

  -config <path>  # path to a toml config file
  -app    <sign>  # application to serve (default: hello)
  -debug  <level> # debug level (default: 0, means disable. max: 2)

  Environment variables prefixed with HYPERGATE_ override the config file.

`

func main() {
	var (
		configFile string
		appSign    string
		debugLevel int
	)
	flag.Usage = func() { fmt.Printf(usage, hemi.Version) }
	flag.StringVar(&configFile, "config", "", "")
	flag.StringVar(&appSign, "app", "hello", "")
	flag.IntVar(&debugLevel, "debug", 0, "")
	action := "serve"
	if len(os.Args) > 1 && os.Args[1][0] != '-' {
		action = os.Args[1]
		flag.CommandLine.Parse(os.Args[2:])
	} else {
		flag.Parse()
	}

	switch action {
	case "help":
		fmt.Printf(usage, hemi.Version)
	case "version":
		fmt.Println(hemi.Version)
	case "apps":
		fmt.Println(strings.Join(hemi.AppSigns(), "\n"))
	case "serve":
		hemi.SetDebugLevel(int32(debugLevel))
		serve(configFile, appSign)
	default:
		fmt.Printf("unknown action: %s (see help)\n", action)
	}
}

func serve(configFile string, appSign string) {
	config, err := hemi.LoadConfig(configFile)
	if err != nil {
		hemi.UseExitln(err.Error())
	}
	logger, err := hemi.NewLogger(config.Log)
	if err != nil {
		hemi.EnvExitln(err.Error())
	}
	defer logger.Close()
	app, err := hemi.NewApp(appSign)
	if err != nil {
		hemi.UseExitln(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := hemi.NewServer(config, app, logger)
	logger.Info().Str("version", hemi.Version).Str("app", appSign).Msg("hypergate starting")
	if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server failed")
		logger.Close()
		os.Exit(1)
	}
}
