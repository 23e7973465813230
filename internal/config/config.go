// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config parses the master and node CLI flags (spec.md §6) and
// an optional JSON overlay, shared by both processes, validated against
// an embedded JSON Schema for anything beyond the handful of primitive
// flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"
	"unicode"
)

// MasterConfig is the master process's resolved configuration, per
// spec.md §6 "Master CLI".
type MasterConfig struct {
	Periodicity         time.Duration
	DatabasePeriodicity time.Duration
	Verbose             bool

	ListenAddr  string
	NodesPath   string
	ClientsPath string
	StatusPath  string

	DatabasePath string
	ConfigFile   string

	RetryMaxAttempts  uint64
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// NodeConfig is the node process's resolved configuration, per spec.md
// §6 "Node CLI".
type NodeConfig struct {
	Websocket string
	Reference string
	ArduPort  string
	Emulate   bool
	Verbose   bool

	PollWindow time.Duration
	ConfigFile string

	RetryMaxAttempts  uint64
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// ParseMaster parses the master CLI flags from args (os.Args[1:] in
// production, a literal slice in tests).
func ParseMaster(args []string) (*MasterConfig, error) {
	fs := flag.NewFlagSet("master", flag.ContinueOnError)

	periodicityMs := fs.Int("periodicity", 100, "broadcast tick period, in milliseconds")
	dbPeriodicityMs := fs.Int("database_periodicity", 30000, "persist tick period, in milliseconds")
	verbose := fs.Bool("verbose", false, "enable debug-level logging")
	listenAddr := fs.String("listen", ":8001", "address the master listens on")
	nodesPath := fs.String("nodes-path", "/nodes_ws", "nodes endpoint path")
	clientsPath := fs.String("clients-path", "/client_ws", "clients endpoint path")
	statusPath := fs.String("status-path", "/status", "status page path")
	dbPath := fs.String("database", "./var/lab.db", "sqlite database file path")
	configFile := fs.String("config", "", "optional JSON config overlay path")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *periodicityMs <= 0 {
		return nil, fmt.Errorf("config: --periodicity must be positive, got %d", *periodicityMs)
	}
	if *dbPeriodicityMs <= 0 {
		return nil, fmt.Errorf("config: --database_periodicity must be positive, got %d", *dbPeriodicityMs)
	}

	return &MasterConfig{
		Periodicity:         time.Duration(*periodicityMs) * time.Millisecond,
		DatabasePeriodicity: time.Duration(*dbPeriodicityMs) * time.Millisecond,
		Verbose:             *verbose,
		ListenAddr:          *listenAddr,
		NodesPath:           *nodesPath,
		ClientsPath:         *clientsPath,
		StatusPath:          *statusPath,
		DatabasePath:        *dbPath,
		ConfigFile:          *configFile,
		RetryMaxAttempts:    0, // master-side retry (reconnect tolerance) is unbounded by default
		RetryInitialDelay:   200 * time.Millisecond,
		RetryMaxDelay:       5 * time.Second,
	}, nil
}

// ParseNode parses the node CLI flags from args.
func ParseNode(args []string) (*NodeConfig, error) {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)

	websocket := fs.String("websocket", "ws://127.0.0.1:8001/nodes_ws", "master nodes endpoint")
	reference := fs.String("reference", "", "node label; must be a legal identifier for the store")
	arduport := fs.String("arduport", "", "explicit serial device path; empty enables auto-discovery")
	emulate := fs.Bool("emulate", false, "use the emulator transport")
	verbose := fs.Bool("verbose", false, "enable debug-level logging")
	pollWindowMs := fs.Int("poll-window", 500, "serial poll timeout, in milliseconds")
	configFile := fs.String("config", "", "optional JSON config overlay path, shared format with the master")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := ValidateLabel(*reference); err != nil {
		return nil, fmt.Errorf("config: --reference: %w", err)
	}
	if *pollWindowMs <= 0 {
		return nil, fmt.Errorf("config: --poll-window must be positive, got %d", *pollWindowMs)
	}

	return &NodeConfig{
		Websocket:         *websocket,
		Reference:         *reference,
		ArduPort:          *arduport,
		Emulate:           *emulate,
		Verbose:           *verbose,
		PollWindow:        time.Duration(*pollWindowMs) * time.Millisecond,
		ConfigFile:        *configFile,
		RetryMaxAttempts:  0,
		RetryInitialDelay: 2 * time.Second,
		RetryMaxDelay:     3 * time.Second,
	}, nil
}

// ValidateLabel reports whether a node label is a legal store identifier:
// non-empty, starting with a letter or underscore, per spec.md §9's open
// question on node-label legality (a leading digit would make the
// per-node table/column name an invalid SQL identifier without quoting).
func ValidateLabel(label string) error {
	if label == "" {
		return errors.New("label must not be empty")
	}
	r := []rune(label)[0]
	if !unicode.IsLetter(r) && r != '_' {
		return fmt.Errorf("label %q must start with a letter or underscore", label)
	}
	for _, r := range label {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return fmt.Errorf("label %q must contain only letters, digits, and underscores", label)
		}
	}
	return nil
}
