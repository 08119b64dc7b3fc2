package export

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/glog"
)

const (
	sqlRecordCountInfo = 1000

	sqlSelectFileTmpl = `SELECT
		Identifier,
		File,
		Trace,
		TimeMicro,
		PRF,
		Stack,
		Peak,
		PeakIndex
	FROM
		groundhog
	WHERE
		File = ?
	ORDER BY
		Trace ASC;`
)

// Dialect holds the statements that differ between databases.
type Dialect struct {
	Driver      string
	CreateTable string
	Insert      string
}

// SQL writes records to the groundhog table, creating it if needed.
type SQL struct {
	DB      *sql.DB
	Dialect Dialect
}

func (s *SQL) Write(ctx context.Context, records <-chan Record) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.CreateTable); err != nil {
		return fmt.Errorf("unable to create table: %w", err)
	}
	insert, err := s.DB.PrepareContext(ctx, s.Dialect.Insert)
	if err != nil {
		return fmt.Errorf("unable to prepare insert: %w", err)
	}
	defer insert.Close()

	counts := map[string]int{
		"error":   0,
		"success": 0,
		"total":   0,
	}
	for r := range records {
		counts["total"] += 1
		if _, err := insert.ExecContext(ctx, r.Identifier, r.File, r.Trace, r.Time.UnixMicro(), r.PRF, r.Stack, r.Peak, r.PeakIndex); err != nil {
			counts["error"] += 1
			glog.Warningf("error storing in %s DB: %s", s.Dialect.Driver, err)
			continue
		}
		counts["success"] += 1
		if counts["total"]%sqlRecordCountInfo == 0 {
			glog.Infof("record export counts: %+v", counts)
		}
	}
	glog.Infof("record export finished: %+v", counts)
	return nil
}

// Lookup returns the catalogued records of one trace file in trace order.
func (s *SQL) Lookup(ctx context.Context, file string) ([]Record, error) {
	rows, err := s.DB.QueryContext(ctx, sqlSelectFileTmpl, file)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r  Record
			us int64
		)
		if err := rows.Scan(&r.Identifier, &r.File, &r.Trace, &us, &r.PRF, &r.Stack, &r.Peak, &r.PeakIndex); err != nil {
			return nil, fmt.Errorf("unable to read record: %w", err)
		}
		r.Time = time.UnixMicro(us).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}
