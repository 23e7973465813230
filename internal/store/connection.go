// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store implements C5, the relational store: schema-adaptive
// persistence of ReadingFrame/MetadataFrame history (spec.md §3, §4.5),
// grounded on original_source/database/DBHandler.py.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

var driverRegistered bool

// Open connects to the sqlite database at path, registering the
// sqlhooks-wrapped sqlite3 driver the first time it is called. Unlike
// the teacher's repository.Connect (a sync.Once-guarded global), Open
// returns a handle the caller owns; the master wires exactly one Store
// per process (spec.md §5 "the store handle is owned exclusively by the
// master loop"), so there is no need for the teacher's singleton.
func Open(path string) (*sqlx.DB, error) {
	if !driverRegistered {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &queryLogHooks{}))
		driverRegistered = true
	}

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	// sqlite does not multiplex writers; one connection avoids lock
	// contention between the persist tick and interactive queries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	return db, nil
}
