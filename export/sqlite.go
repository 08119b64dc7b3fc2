package export

import (
	"database/sql"
	"fmt"

	// Blind import support for sqlite3.
	_ "github.com/mattn/go-sqlite3"
)

var SQLiteDialect = Dialect{
	Driver: "sqlite3",
	CreateTable: `CREATE TABLE IF NOT EXISTS groundhog (
		"ID"          INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"Identifier"  TEXT NOT NULL,
		"File"        TEXT NOT NULL,
		"Trace"       INTEGER,
		"TimeMicro"   INTEGER,
		"PRF"         REAL,
		"Stack"       INTEGER,
		"Peak"        INTEGER,
		"PeakIndex"   INTEGER
	);`,
	Insert: `INSERT INTO groundhog (
		Identifier,
		File,
		Trace,
		TimeMicro,
		PRF,
		Stack,
		Peak,
		PeakIndex
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
}

// OpenSQLite opens (or creates) the sqlite catalog in file.
func OpenSQLite(file string) (*SQL, error) {
	db, err := sql.Open(SQLiteDialect.Driver, file)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite DB %q: %w", file, err)
	}
	return &SQL{DB: db, Dialect: SQLiteDialect}, nil
}
