package export

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

var MySQLDialect = Dialect{
	Driver: "mysql",
	CreateTable: `CREATE TABLE IF NOT EXISTS groundhog (
		ID          BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		Identifier  VARCHAR(255) NOT NULL,
		File        VARCHAR(1024) NOT NULL,
		Trace       BIGINT UNSIGNED,
		TimeMicro   BIGINT,
		PRF         DOUBLE,
		Stack       INT,
		Peak        BIGINT,
		PeakIndex   INT,
		INDEX (File(255))
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

type MySQLConfig struct {
	Server       string // host:port
	User         string
	PasswordFile string
	DBName       string
}

// DSN reads the password file and builds the connection string.
func (c MySQLConfig) DSN() (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Net = "tcp"
	cfg.Addr = c.Server
	cfg.DBName = c.DBName
	if c.PasswordFile != "" {
		pass, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("unable to read MySQL password file %q: %w", c.PasswordFile, err)
		}
		cfg.Passwd = strings.TrimSpace(string(pass))
	}
	return cfg.FormatDSN(), nil
}

// OpenMySQL connects to the MySQL catalog.
func OpenMySQL(c MySQLConfig) (*SQL, error) {
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(MySQLDialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open MySQL DB %q: %w", c.Server, err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return &SQL{DB: db, Dialect: MySQLDialect}, nil
}
