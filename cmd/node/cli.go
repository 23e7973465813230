// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"github.com/labtelemetry/hub/internal/config"
	"github.com/labtelemetry/hub/internal/retry"
)

// retryPolicy builds the node's reconnect policy from its resolved
// config, per spec.md §4.2's unbounded-retry requirement for both the
// serial and uplink reconnect loops.
func retryPolicy(cfg *config.NodeConfig) retry.Policy {
	return retry.Policy{
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		MaxAttempts:  cfg.RetryMaxAttempts,
	}
}
