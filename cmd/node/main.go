// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/labtelemetry/hub/internal/config"
	"github.com/labtelemetry/hub/internal/emulator"
	"github.com/labtelemetry/hub/internal/errs"
	"github.com/labtelemetry/hub/internal/nodebridge"
	"github.com/labtelemetry/hub/internal/runtimeEnv"
	"github.com/labtelemetry/hub/internal/serialsession"
	"github.com/labtelemetry/hub/pkg/log"
)

// defaultVref and defaultAdcMax are the build-time constants for the
// reference hardware (spec.md §4.2), used whenever no config overlay
// entry names this node's label.
const (
	defaultVref   = 3.3
	defaultAdcMax = 4095
)

func main() {
	cfg, err := config.ParseNode(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	if cfg.Verbose {
		log.SetLogLevel("debug")
	} else {
		log.SetLogLevel("info")
	}

	vref, adcMax, postScale, channels := defaultVref, defaultAdcMax, map[string]float64(nil), map[string]string(nil)
	if cfg.ConfigFile != "" {
		overlay, err := config.LoadOverlay(cfg.ConfigFile)
		if err != nil {
			log.Fatalf("loading config overlay: %s", err.Error())
		}
		if node, ok := overlay.Nodes[cfg.Reference]; ok {
			if node.Vref > 0 {
				vref = node.Vref
			}
			if node.AdcMax > 0 {
				adcMax = node.AdcMax
			}
			postScale = node.PostScale
			channels = node.Channels
		}
	}

	openSerial := func() (*serialsession.Session, error) {
		if cfg.Emulate {
			return serialsession.OpenEmulated(emulator.New(), cfg.PollWindow), nil
		}
		path := cfg.ArduPort
		if path == "" {
			p, err := serialsession.DiscoverPort(serialsession.DefaultMatchSubstrings)
			if err != nil {
				return nil, err
			}
			path = p
		}
		return serialsession.Open(path, cfg.PollWindow)
	}

	bridge := nodebridge.New(nodebridge.Config{
		Label:         cfg.Reference,
		WebsocketURL:  cfg.Websocket,
		Vref:          vref,
		AdcMax:        adcMax,
		PostScale:     postScale,
		ChannelLabels: channels,
		Retry:         retryPolicy(cfg),
	}, openSerial, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		cancel()
	}()

	runtimeEnv.SystemdNotifiy(true, "running")
	err = bridge.Run(ctx)
	if err != nil && !errors.Is(err, errs.ErrInterrupted) {
		log.Fatalf("node %s exited: %s", cfg.Reference, err.Error())
	}
	log.Infof("node %s shutdown complete", cfg.Reference)
}
