// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// OverlaySchema describes the optional JSON config overlay accepted by
// the master and the node (--config), covering everything spec.md §6 leaves to
// configuration beyond the primitive flags: build-time voltage/ADC
// constants and per-channel post-scaling (spec.md §4.2 "Unit
// conversion"), keyed by node label.
const OverlaySchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"nodes": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"vref": {"type": "number", "exclusiveMinimum": 0},
					"adcMax": {"type": "integer", "exclusiveMinimum": 0},
					"postScale": {
						"type": "object",
						"additionalProperties": {"type": "number"}
					},
					"channels": {
						"type": "object",
						"additionalProperties": {"type": "string"}
					}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

// NodeOverlay is one node's entry in the config overlay.
type NodeOverlay struct {
	Vref      float64            `json:"vref"`
	AdcMax    int                `json:"adcMax"`
	PostScale map[string]float64 `json:"postScale"`
	Channels  map[string]string  `json:"channels"`
}

// Overlay is the full decoded --config document.
type Overlay struct {
	Nodes map[string]NodeOverlay `json:"nodes"`
}

// LoadOverlay reads and validates the optional config overlay file
// against OverlaySchema, the way the teacher's internal/config.Init
// validates config.json against pkg/schema.Config before decoding it.
// A missing path is not an error: the overlay is optional.
func LoadOverlay(path string) (*Overlay, error) {
	if path == "" {
		return &Overlay{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Overlay{}, nil
		}
		return nil, fmt.Errorf("config: reading overlay %s: %w", path, err)
	}

	sch, err := jsonschema.CompileString("overlay.json", OverlaySchema)
	if err != nil {
		return nil, fmt.Errorf("config: compiling overlay schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("config: overlay %s is not valid JSON: %w", path, err)
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("config: overlay %s failed schema validation: %w", path, err)
	}

	var overlay Overlay
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("config: decoding overlay %s: %w", path, err)
	}
	return &overlay, nil
}
