// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/labtelemetry/hub/internal/errs"
	"github.com/labtelemetry/hub/internal/frame"
	"github.com/labtelemetry/hub/pkg/log"
)

const (
	laboratoriesTable    = "laboratories"
	observationListTable = "observation_list"
	metadataListTable    = "metadata_list"
)

// Store is C5, the relational store (spec.md §3, §4.5). One Store is
// owned exclusively by the master loop (spec.md §5); it is not
// safe for concurrent use by multiple goroutines without external
// synchronization, matching the single-threaded event-loop model the
// rest of the master is built around.
type Store struct {
	db *sqlx.DB

	// columns remembers the first-write-wins schema per node label, so
	// later writes can be checked against it without a round trip to
	// sqlite_master/PRAGMA table_info on every call.
	columns map[string][]string
}

// New bootstraps the three fixed tables (laboratories, observation_list,
// metadata_list) the way DBHandler.__init__ does, and returns a Store
// wrapping db. Re-running this against an existing database is a no-op
// schema-wise (spec.md §8 "Round-trip / idempotence").
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db, columns: make(map[string][]string)}

	if err := s.createTableIfNotExists(laboratoriesTable,
		[]string{"_id", "labNAME"},
		[]string{"INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT"}); err != nil {
		return nil, err
	}
	if err := s.createTableIfNotExists(observationListTable,
		[]string{"_id", "labID"},
		[]string{"INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER"}); err != nil {
		return nil, err
	}
	if err := s.createTableIfNotExists(metadataListTable,
		[]string{"time", "labID", "metadata"},
		[]string{"REAL", "INTEGER", "TEXT"}); err != nil {
		return nil, err
	}

	if err := s.loadExistingSchemas(); err != nil {
		return nil, err
	}

	return s, nil
}

// loadExistingSchemas seeds s.columns from whatever per-node tables
// already exist in db, so a restarted master keeps checking new writes
// against the schema established in a prior run.
func (s *Store) loadExistingSchemas() error {
	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	if err != nil {
		return fmt.Errorf("store: listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("store: scanning table name: %w", err)
		}
		names = append(names, name)
	}

	reserved := map[string]bool{
		laboratoriesTable: true, observationListTable: true, metadataListTable: true,
		"sqlite_sequence": true,
	}
	for _, name := range names {
		if reserved[name] {
			continue
		}
		cols, err := s.columnsInTable(name)
		if err != nil {
			return err
		}
		s.columns[name] = cols
	}
	return nil
}

func (s *Store) columnsInTable(table string) ([]string, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT * FROM %s LIMIT 0`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("store: inspecting columns of %s: %w", table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("store: inspecting columns of %s: %w", table, err)
	}
	return cols, nil
}

func (s *Store) createTableIfNotExists(table string, names, types []string) error {
	var exists bool
	if err := s.db.Get(&exists, `SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name=?`, table); err != nil {
		return fmt.Errorf("%w: checking table %s: %v", errs.ErrStoreError, table, err)
	}
	if exists {
		return nil
	}

	// squirrel has no CREATE TABLE builder (DDL is out of its scope), so
	// this statement is composed by hand. Only the per-node INSERT in
	// AppendReading goes through squirrel; the other statements in this
	// file are fixed SQL strings with "?" placeholders.
	stmt := "CREATE TABLE " + quoteIdent(table) + " ("
	for i, name := range names {
		stmt += quoteIdent(name) + " " + types[i]
		if i != len(names)-1 {
			stmt += ", "
		}
	}
	stmt += ")"

	log.Debugf("sql> %s", stmt)
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("%w: creating table %s: %v", errs.ErrStoreError, table, err)
	}
	return nil
}

// quoteIdent double-quote-escapes a SQL identifier. Table and column
// names here are runtime strings (node labels, channel keys), not
// query parameters, so they cannot be bound with "?" placeholders;
// config.ValidateLabel already restricts node labels to
// letters/digits/underscore, and channel keys come from the node's own
// JSON frame, so this is defense in depth rather than the only guard.
func quoteIdent(ident string) string {
	return `"` + ident + `"`
}

// columnTypes mirrors types_from_keys: every key is REAL, except "user"
// (TEXT) and "error" (INTEGER).
func columnTypes(keys []string) []string {
	types := make([]string, len(keys))
	for i, k := range keys {
		switch k {
		case frame.KeyUser:
			types[i] = "TEXT"
		case frame.KeyError:
			types[i] = "INTEGER"
		default:
			types[i] = "REAL"
		}
	}
	return types
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ensureNodeTable implements create_table_from_dict: the table is named
// after the node label and its columns are the reading's keys plus a
// trailing ID column, typed per columnTypes.
func (s *Store) ensureNodeTable(label string, reading frame.Reading) error {
	keys := sortedKeys(reading)
	types := columnTypes(keys)
	keys = append(keys, "ID")
	types = append(types, "INTEGER")

	if err := s.createTableIfNotExists(label, keys, types); err != nil {
		return err
	}
	s.columns[label] = keys
	return nil
}

func (s *Store) registerLaboratory(ctx context.Context, label string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s(_id, labNAME) VALUES (NULL, ?)`, quoteIdent(laboratoriesTable)), label)
	if err != nil {
		return 0, fmt.Errorf("%w: registering laboratory %s: %v", errs.ErrStoreError, label, err)
	}
	return res.LastInsertId()
}

func (s *Store) labIDByName(ctx context.Context, label string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		fmt.Sprintf(`SELECT _id FROM %s WHERE labNAME = ?`, quoteIdent(laboratoriesTable)), label)
	if err != nil {
		return 0, fmt.Errorf("%w: looking up laboratory %s: %v", errs.ErrStoreError, label, err)
	}
	return id, nil
}

// tableExists reports whether a table with the given name is already
// in sqlite_master.
func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name=?`, table)
	if err != nil {
		return false, fmt.Errorf("%w: checking table %s: %v", errs.ErrStoreError, table, err)
	}
	return exists, nil
}

// schemaMatches reports whether reading's key set is a subset of the
// node table's established column set (ignoring the trailing ID
// column), per spec.md §3: later ReadingFrames must carry a key set
// that is a subset of that table's columns, not necessarily all of
// them — a narrower frame (e.g. an error frame with just user/error/x)
// is inserted with NULL for the columns it omits.
func schemaMatches(established []string, reading frame.Reading) bool {
	have := make(map[string]bool, len(established))
	for _, c := range established {
		if c == "ID" {
			continue
		}
		have[c] = true
	}
	for _, k := range sortedKeys(reading) {
		if !have[k] {
			return false
		}
	}
	return true
}

// AppendReading implements add_database_entry: ensure the node's table
// and laboratory registration exist, insert one observation_list row,
// then one row in the node's own table carrying the observation id.
//
// A reading whose key set disagrees with the table established by the
// first write is rejected with errs.ErrSchemaMismatch and otherwise
// ignored — spec.md §7 says persist must skip the row with a warning,
// not abort the tick.
func (s *Store) AppendReading(ctx context.Context, label string, reading frame.Reading) error {
	established, known := s.columns[label]
	if !known {
		if err := s.ensureNodeTable(label, reading); err != nil {
			return err
		}
		if _, err := s.labIDByName(ctx, label); err != nil {
			if _, err := s.registerLaboratory(ctx, label); err != nil {
				return err
			}
		}
		established = s.columns[label]
	} else if !schemaMatches(established, reading) {
		return fmt.Errorf("%w: node %s: reading keys %v do not match established columns %v",
			errs.ErrSchemaMismatch, label, sortedKeys(reading), established)
	}

	labID, err := s.labIDByName(ctx, label)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s(_id, labID) VALUES (NULL, ?)`, quoteIdent(observationListTable)), labID)
	if err != nil {
		return fmt.Errorf("%w: appending observation for %s: %v", errs.ErrStoreError, label, err)
	}
	observationID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: reading observation id for %s: %v", errs.ErrStoreError, label, err)
	}

	keys := sortedKeys(reading)
	cols := make([]string, 0, len(keys)+1)
	vals := make([]any, 0, len(keys)+1)
	cols = append(cols, "ID")
	vals = append(vals, observationID)
	for _, k := range keys {
		cols = append(cols, k)
		vals = append(vals, reading[k])
	}

	insert := sq.Insert(quoteIdent(label)).Columns(cols...).Values(vals...)
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("%w: building insert for %s: %v", errs.ErrStoreError, label, err)
	}
	log.Debugf("sql> %s %v", query, args)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: inserting reading for %s: %v", errs.ErrStoreError, label, err)
	}
	return nil
}

// AppendMetadata implements register_new_metadata: ensure the node's
// laboratory registration exists (without requiring a reading-derived
// schema — the metadata row lives in the shared metadataListTable, not
// a per-node table), then append one row keyed by wall-clock time.
func (s *Store) AppendMetadata(ctx context.Context, label string, metadata frame.Metadata) error {
	labID, err := s.labIDByName(ctx, label)
	if err != nil {
		labID, err = s.registerLaboratory(ctx, label)
		if err != nil {
			return err
		}
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: encoding metadata for %s: %v", errs.ErrStoreError, label, err)
	}

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s(time, labID, metadata) VALUES (?, ?, ?)`, quoteIdent(metadataListTable)),
		float64(time.Now().UnixNano())/1e9, labID, string(encoded))
	if err != nil {
		return fmt.Errorf("%w: appending metadata for %s: %v", errs.ErrStoreError, label, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
