// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package caldb holds types to store and retrieve ADC16 calibration
// outcomes from the station database, one row per calibration in the
// reports table and one row per chip lane in the taps table.
package caldb // import "github.com/jack-h/caltech-lwa/caldb"

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jack-h/caltech-lwa/adc16"
)

const (
	host = "localhost"
)

var (
	usr = "lwa"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// A Report is one stored calibration outcome.
type Report struct {
	ID          int64
	Board       string
	Time        time.Time
	Temperature float64 // NaN when the board carries no sensor
	Success     bool
	Stage       adc16.Stage
}

// DB exposes convenience methods to store calibration reports into
// the station database and to retrieve past ones.
type DB struct {
	db   *sql.DB
	name string // name of the station database
}

// Open opens a connection to the station database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("caldb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("caldb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("caldb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// StoreReport stores the calibration report rep of the named board
// and returns the identifier of the new reports row.
func (db *DB) StoreReport(ctx context.Context, board string, rep *adc16.Report) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var temp interface{} = rep.Temp
	if math.IsNaN(rep.Temp) {
		temp = nil
	}

	res, err := db.db.ExecContext(
		ctx,
		"INSERT INTO reports (board, datetime, temperature, success, stage) VALUES (?, ?, ?, ?, ?)",
		board, rep.Time.UTC(), temp, rep.OK, int(rep.Stage),
	)
	if err != nil {
		return 0, fmt.Errorf("caldb: could not store report for %q: %w", board, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("caldb: could not get report-id for %q: %w", board, err)
	}

	for _, chip := range rep.Chips {
		for lane, tap := range chip.Taps {
			_, err := db.db.ExecContext(
				ctx,
				"INSERT INTO taps (report, chip, lane, tap) VALUES (?, ?, ?, ?)",
				id, chip.Chip, lane, tap,
			)
			if err != nil {
				return 0, fmt.Errorf(
					"caldb: could not store tap (chip=%d, lane=%d) of report %d: %w",
					chip.Chip, lane, id, err,
				)
			}
		}
	}

	return id, nil
}

// LastReport returns the most recent calibration report stored for
// the named board.
func (db *DB) LastReport(ctx context.Context, board string) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rep Report
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT identifier, board, datetime, temperature, success, stage "+
			"FROM reports WHERE board=? ORDER BY datetime DESC LIMIT 1",
		board,
	)
	if err != nil {
		return rep, fmt.Errorf("caldb: could not query report for %q: %w", board, err)
	}
	defer rows.Close()

	var found bool
	for rows.Next() {
		var temp sql.NullFloat64
		err = rows.Scan(&rep.ID, &rep.Board, &rep.Time, &temp, &rep.Success, &rep.Stage)
		if err != nil {
			return rep, fmt.Errorf("caldb: could not get report values for %q: %w", board, err)
		}
		rep.Temperature = math.NaN()
		if temp.Valid {
			rep.Temperature = temp.Float64
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return rep, fmt.Errorf("caldb: could not scan db for report of %q: %w", board, err)
	}

	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("caldb: context error while retrieving report of %q: %w", board, err)
	}

	if !found {
		return rep, fmt.Errorf("caldb: could not find a report for %q", board)
	}

	return rep, nil
}

// LastTaps returns the per-chip, per-lane delay taps of the most
// recent successful calibration of the named board.
func (db *DB) LastTaps(ctx context.Context, board string) ([][]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT chip, lane, tap FROM taps WHERE report=("+
			"SELECT identifier FROM reports "+
			"WHERE board=? AND success=1 ORDER BY datetime DESC LIMIT 1"+
			") ORDER BY chip, lane",
		board,
	)
	if err != nil {
		return nil, fmt.Errorf("caldb: could not query taps for %q: %w", board, err)
	}
	defer rows.Close()

	var taps [][]int
	for rows.Next() {
		var chip, lane, tap int
		err = rows.Scan(&chip, &lane, &tap)
		if err != nil {
			return nil, fmt.Errorf("caldb: could not get tap values for %q: %w", board, err)
		}
		for chip >= len(taps) {
			taps = append(taps, nil)
		}
		for lane >= len(taps[chip]) {
			taps[chip] = append(taps[chip], 0)
		}
		taps[chip][lane] = tap
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("caldb: could not scan db for taps of %q: %w", board, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("caldb: context error while retrieving taps of %q: %w", board, err)
	}

	if len(taps) == 0 {
		return nil, fmt.Errorf("caldb: could not find taps for %q", board)
	}

	return taps, nil
}
