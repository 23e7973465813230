// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/labtelemetry/hub/internal/errs"
	"github.com/labtelemetry/hub/internal/frame"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	require.NoError(t, err)
	return s
}

func TestAppendReadingCreatesTableAndLaboratoryOnFirstWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reading := frame.Reading{"user": "bench_1", "error": false, "x": 1.0, "ch0": 3.3}
	require.NoError(t, s.AppendReading(ctx, "bench_1", reading))

	var labID int64
	require.NoError(t, s.db.Get(&labID, `SELECT _id FROM laboratories WHERE labNAME = ?`, "bench_1"))
	require.Equal(t, int64(1), labID)

	var obsCount int
	require.NoError(t, s.db.Get(&obsCount, `SELECT COUNT(*) FROM observation_list WHERE labID = ?`, labID))
	require.Equal(t, 1, obsCount)

	var storedX float64
	require.NoError(t, s.db.Get(&storedX, `SELECT x FROM bench_1 WHERE ID = 1`))
	require.Equal(t, 1.0, storedX)
}

func TestAppendReadingRejectsSchemaMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := frame.Reading{"user": "bench_1", "error": false, "x": 1.0, "ch0": 3.3}
	require.NoError(t, s.AppendReading(ctx, "bench_1", first))

	mismatched := frame.Reading{"user": "bench_1", "error": false, "x": 2.0, "ch0": 3.3, "ch1": 1.2}
	err := s.AppendReading(ctx, "bench_1", mismatched)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrSchemaMismatch))

	// the tick must be able to continue: a second well-formed reading
	// after a rejected one still succeeds.
	require.NoError(t, s.AppendReading(ctx, "bench_1", first))
}

func TestAppendReadingAcceptsNarrowerErrorFrame(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := frame.Reading{"user": "bench_1", "error": false, "x": 1.0, "ch0": 3.3}
	require.NoError(t, s.AppendReading(ctx, "bench_1", first))

	errFrame := frame.Reading{"user": "bench_1", "error": true, "x": 2.0}
	require.NoError(t, s.AppendReading(ctx, "bench_1", errFrame))

	var ch0 sql.NullFloat64
	require.NoError(t, s.db.Get(&ch0, `SELECT ch0 FROM bench_1 WHERE ID = 2`))
	require.False(t, ch0.Valid)
}

func TestAppendReadingReusesExistingLaboratory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reading := frame.Reading{"user": "bench_1", "error": false, "x": 1.0}
	require.NoError(t, s.AppendReading(ctx, "bench_1", reading))
	require.NoError(t, s.AppendReading(ctx, "bench_1", reading))

	var labCount int
	require.NoError(t, s.db.Get(&labCount, `SELECT COUNT(*) FROM laboratories WHERE labNAME = ?`, "bench_1"))
	require.Equal(t, 1, labCount)
}

func TestAppendMetadataRegistersLaboratoryWhenAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMetadata(ctx, "bench_2", frame.Metadata{"user": "bench_2", "meta": true, "ch0": "temperature"}))

	var labCount int
	require.NoError(t, s.db.Get(&labCount, `SELECT COUNT(*) FROM laboratories WHERE labNAME = ?`, "bench_2"))
	require.Equal(t, 1, labCount)

	var metaCount int
	require.NoError(t, s.db.Get(&metaCount, `SELECT COUNT(*) FROM metadata_list`))
	require.Equal(t, 1, metaCount)
}

func TestNewIsIdempotentAgainstExistingDatabase(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db)
	require.NoError(t, err)
	_, err = New(db)
	require.NoError(t, err)
}
