// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMasterDefaults(t *testing.T) {
	cfg, err := ParseMaster(nil)
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, cfg.Periodicity)
	require.Equal(t, 30*time.Second, cfg.DatabasePeriodicity)
	require.False(t, cfg.Verbose)
}

func TestParseMasterRejectsNonPositivePeriodicity(t *testing.T) {
	_, err := ParseMaster([]string{"--periodicity=0"})
	require.Error(t, err)
}

func TestParseNodeRequiresLabel(t *testing.T) {
	_, err := ParseNode([]string{"--reference="})
	require.Error(t, err)
}

func TestParseNodeRejectsLabelStartingWithDigit(t *testing.T) {
	_, err := ParseNode([]string{"--reference=1bench"})
	require.Error(t, err)
}

func TestParseNodeAcceptsLegalLabel(t *testing.T) {
	cfg, err := ParseNode([]string{"--reference=bench_1"})
	require.NoError(t, err)
	require.Equal(t, "bench_1", cfg.Reference)
}

func TestLoadOverlayMissingFileIsNotAnError(t *testing.T) {
	overlay, err := LoadOverlay(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Empty(t, overlay.Nodes)
}

func TestLoadOverlayValidatesAndDecodes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"nodes": {
			"bench_1": {"vref": 3.3, "adcMax": 4095, "postScale": {"ch2": 100}}
		}
	}`), 0o644))

	overlay, err := LoadOverlay(path)
	require.NoError(t, err)
	require.Equal(t, 3.3, overlay.Nodes["bench_1"].Vref)
	require.Equal(t, 4095, overlay.Nodes["bench_1"].AdcMax)
	require.Equal(t, 100.0, overlay.Nodes["bench_1"].PostScale["ch2"])
}

func TestLoadOverlayRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"unexpected": true}`), 0o644))

	_, err := LoadOverlay(path)
	require.Error(t, err)
}
