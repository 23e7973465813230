// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package statuspage renders the master's status page (spec.md §4.4
// and §6): wall-clock time, connected nodes with FQDN and label,
// connected clients, and each node's last ReadingFrame. Grounded on
// web/web.go's embed.FS + html/template pattern.
package statuspage

import (
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/labtelemetry/hub/internal/hub"
	"github.com/labtelemetry/hub/pkg/log"
)

//go:embed templates/status.tmpl
var templateFiles embed.FS

var statusTemplate = template.Must(template.ParseFS(templateFiles, "templates/status.tmpl"))

type nodeRow struct {
	Label       string
	FQDN        string
	LastReading string
}

type pageData struct {
	Now     string
	Nodes   []nodeRow
	Clients []string
}

// fqdnLookupTimeout bounds the reverse-DNS lookup so a slow/absent
// resolver never stalls the status page behind one node's address.
const fqdnLookupTimeout = 200 * time.Millisecond

func reverseLookup(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ctx, cancel := context.WithTimeout(context.Background(), fqdnLookupTimeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		return host
	}
	return names[0]
}

// Render writes the status page to w, reading the hub's current node
// and client lists and snapshot table.
func Render(w http.ResponseWriter, h *hub.Hub) {
	data := pageData{Now: time.Now().Format(time.RFC3339)}

	for _, n := range h.Nodes() {
		row := nodeRow{Label: n.Label, FQDN: reverseLookup(n.RemoteAddr)}
		if reading, ok := h.Reading(n.ID); ok {
			if encoded, err := json.Marshal(reading); err == nil {
				row.LastReading = string(encoded)
			}
		} else {
			row.LastReading = "(none yet)"
		}
		data.Nodes = append(data.Nodes, row)
	}

	for _, c := range h.Clients() {
		data.Clients = append(data.Clients, c.RemoteAddr)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, data); err != nil {
		log.Errorf("statuspage: rendering: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
