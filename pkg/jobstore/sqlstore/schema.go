package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// SchemaVersion is the current jobs schema version.
const SchemaVersion = 2

// dialect captures the SQL differences between SQLite and MySQL.
type dialect struct {
	name string

	// createTable is run on every migrate and must be idempotent.
	createTable []string

	// initMeta seeds the schema_meta row without overwriting it.
	initMeta string

	// createIndex statements; MySQL lacks IF NOT EXISTS so duplicates are
	// filtered by isDuplicateIndex.
	createIndex []string

	// addColumn statements for the v2 migration.
	addColumn []string

	isDuplicateKey    func(error) bool
	isDuplicateIndex  func(error) bool
	isDuplicateColumn func(error) bool
}

var sqliteDialect = &dialect{
	name: DriverSQLite,
	createTable: []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			user_name TEXT NOT NULL,
			status TEXT NOT NULL,
			status_msg TEXT NOT NULL DEFAULT '',
			cluster_name TEXT NOT NULL DEFAULT '',
			cluster_id TEXT NOT NULL DEFAULT '',
			client_host TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			args TEXT,
			cluster_criteria TEXT,
			command_criteria TEXT,
			file_dependencies TEXT,
			sandbox_dir TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER
		)`,
	},
	initMeta: `INSERT INTO schema_meta (id, schema_version) VALUES (1, 0) ON CONFLICT(id) DO NOTHING`,
	createIndex: []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_name ON jobs(user_name)`,
	},
	addColumn: []string{
		`ALTER TABLE jobs ADD COLUMN description TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE jobs ADD COLUMN tags TEXT`,
	},
	isDuplicateKey: func(err error) bool {
		msg := err.Error()
		return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY must be unique")
	},
	isDuplicateIndex: func(error) bool { return false },
	isDuplicateColumn: func(err error) bool {
		msg := err.Error()
		return strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists")
	},
}

// MySQL error numbers.
const (
	mysqlDupEntry     = 1062
	mysqlDupKeyName   = 1061
	mysqlDupFieldName = 1060
)

// varchar is the MySQL type for indexed string columns.
const varchar = "VARCHAR(255)"

var mysqlDialect = &dialect{
	name: DriverMySQL,
	createTable: []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INT PRIMARY KEY,
			schema_version INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id ` + varchar + ` NOT NULL PRIMARY KEY,
			name ` + varchar + ` NOT NULL,
			user_name ` + varchar + ` NOT NULL,
			status VARCHAR(16) NOT NULL,
			status_msg TEXT NOT NULL,
			cluster_name ` + varchar + ` NOT NULL DEFAULT '',
			cluster_id ` + varchar + ` NOT NULL DEFAULT '',
			client_host ` + varchar + ` NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			args TEXT,
			cluster_criteria TEXT,
			command_criteria TEXT,
			file_dependencies TEXT,
			sandbox_dir TEXT NOT NULL,
			exit_code INT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			started_at BIGINT NULL,
			finished_at BIGINT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	initMeta: `INSERT IGNORE INTO schema_meta (id, schema_version) VALUES (1, 0)`,
	createIndex: []string{
		`CREATE INDEX idx_jobs_created_at ON jobs(created_at)`,
		`CREATE INDEX idx_jobs_status ON jobs(status)`,
		`CREATE INDEX idx_jobs_user_name ON jobs(user_name)`,
	},
	addColumn: []string{
		`ALTER TABLE jobs ADD COLUMN description TEXT NULL`,
		`ALTER TABLE jobs ADD COLUMN tags TEXT NULL`,
	},
	isDuplicateKey:    func(err error) bool { return isMySQLError(err, mysqlDupEntry) },
	isDuplicateIndex:  func(err error) bool { return isMySQLError(err, mysqlDupKeyName) },
	isDuplicateColumn: func(err error) bool { return isMySQLError(err, mysqlDupFieldName) },
}

func isMySQLError(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}

// migrate creates (or upgrades) the jobs schema in-place.
//
// v1: jobs table with lifecycle columns.
// v2: description and tags columns.
func migrate(ctx context.Context, db *sql.DB, d *dialect) error {
	// MySQL commits DDL implicitly, so statements run outside a transaction
	// and every step is idempotent instead.
	for _, stmt := range d.createTable {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, d.initMeta); err != nil {
		return fmt.Errorf("init schema_meta: %w", err)
	}
	for _, stmt := range d.createIndex {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !d.isDuplicateIndex(err) {
			return fmt.Errorf("exec index statement: %w", err)
		}
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current < 2 {
		for _, stmt := range d.addColumn {
			if _, err := db.ExecContext(ctx, stmt); err != nil && !d.isDuplicateColumn(err) {
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := db.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}
	return nil
}
