// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/labtelemetry/hub/internal/config"
	"github.com/labtelemetry/hub/internal/hub"
	"github.com/labtelemetry/hub/internal/masterserver"
	"github.com/labtelemetry/hub/internal/runtimeEnv"
	"github.com/labtelemetry/hub/internal/store"
	"github.com/labtelemetry/hub/pkg/log"
)

func main() {
	cfg, err := config.ParseMaster(os.Args[1:])
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

	if cfg.ConfigFile != "" {
		overlay, err := config.LoadOverlay(cfg.ConfigFile)
		if err != nil {
			log.Fatalf("loading config overlay: %s", err.Error())
		}
		log.Infof("loaded config overlay for %d node(s)", len(overlay.Nodes))
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("opening database %s: %s", cfg.DatabasePath, err.Error())
	}
	st, err := store.New(db)
	if err != nil {
		log.Fatalf("initializing store: %s", err.Error())
	}

	h := hub.New()
	srv := masterserver.New(*cfg, h, st)

	if err := srv.StartTicks(); err != nil {
		log.Fatalf("starting ticks: %s", err.Error())
	}

	// ReadTimeout/WriteTimeout are deliberately left at their zero value:
	// both the nodes and clients endpoints hijack the connection into a long-lived
	// WebSocket (spec.md §4.4/§5), and neither endpoint ever calls
	// SetReadDeadline/SetWriteDeadline to clear a request-scoped deadline
	// after the upgrade.
	server := http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("master listening at %s (nodes=%s clients=%s status=%s)",
			cfg.ListenAddr, cfg.NodesPath, cfg.ClientsPath, cfg.StatusPath)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")

		if err := srv.StopTicks(); err != nil {
			log.Warnf("stopping ticks: %s", err.Error())
		}
		server.Shutdown(context.Background())
		if err := st.Close(); err != nil {
			log.Warnf("closing database: %s", err.Error())
		}
	}()

	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	log.Print("master shutdown complete")
}
