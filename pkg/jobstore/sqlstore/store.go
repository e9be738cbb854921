package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/3leaps/jobnimbus/pkg/jobs"
)

// Store implements jobs.Store on a SQL database.
//
// Timestamps are stored as Unix nanoseconds (UTC) and list-valued fields as
// JSON text, so both dialects share every query.
type Store struct {
	db      *sql.DB
	dialect *dialect
}

var _ jobs.Store = (*Store)(nil)

// Open connects to the configured database and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		db  *sql.DB
		d   *dialect
		err error
	)
	switch cfg.driver() {
	case DriverSQLite:
		d = sqliteDialect
		db, err = openLocal(ctx, cfg)
	case DriverMySQL:
		d = mysqlDialect
		db, err = openMySQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported job store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrate(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	return &Store{db: db, dialect: d}, nil
}

func openLocal(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := buildSQLiteDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := openSQLite(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func openMySQL(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("mysql dsn is required")
	}
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	return db, nil
}

// Dialect returns the SQL dialect in use (sqlite or mysql).
func (s *Store) Dialect() string {
	return s.dialect.name
}

const columns = `id, name, user_name, status, status_msg, cluster_name, cluster_id, client_host,
	command, args, cluster_criteria, command_criteria, file_dependencies, description, tags,
	sandbox_dir, exit_code, created_at, updated_at, started_at, finished_at`

// Insert implements jobs.Store.
func (s *Store) Insert(ctx context.Context, rec *jobs.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record id is required", jobs.ErrInvalidRequest)
	}

	args, err := encodeJSON(rec.Args)
	if err != nil {
		return err
	}
	criteria, err := encodeJSON(rec.ClusterCriteria)
	if err != nil {
		return err
	}
	cmdCriteria, err := encodeJSON(rec.CommandCriteria)
	if err != nil {
		return err
	}
	deps, err := encodeJSON(rec.FileDependencies)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(rec.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.User, string(rec.Status), rec.StatusMsg, rec.ClusterName, rec.ClusterID, rec.ClientHost,
		rec.Command, args, criteria, cmdCriteria, deps, rec.Description, tags,
		rec.SandboxDir, nullInt(rec.ExitCode), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
		nullTime(rec.StartedAt), nullTime(rec.FinishedAt),
	)
	if err != nil {
		if s.dialect.isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, rec.ID)
		}
		return fmt.Errorf("%w: insert job: %v", jobs.ErrInternal, err)
	}
	return nil
}

// CompareAndSetStatus implements jobs.Store with a conditional UPDATE.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next jobs.Status, u jobs.StatusUpdate) (bool, error) {
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var startedAt, finishedAt any
	if next == jobs.StatusRunning {
		startedAt = at.UnixNano()
	}
	if next.IsTerminal() {
		finishedAt = at.UnixNano()
	}

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			status = ?,
			status_msg = ?,
			updated_at = ?,
			cluster_name = CASE WHEN ? = '' THEN cluster_name ELSE ? END,
			cluster_id = CASE WHEN ? = '' THEN cluster_id ELSE ? END,
			exit_code = COALESCE(?, exit_code),
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(finished_at, ?)
		WHERE id = ? AND status = ?`,
		string(next), u.Msg, at.UnixNano(),
		u.ClusterName, u.ClusterName,
		u.ClusterID, u.ClusterID,
		nullInt(u.ExitCode), startedAt, finishedAt,
		id, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("%w: update job status: %v", jobs.ErrInternal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", jobs.ErrInternal, err)
	}
	if n == 1 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	case err != nil:
		return false, fmt.Errorf("%w: lookup job: %v", jobs.ErrInternal, err)
	}
	return false, nil
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get job: %v", jobs.ErrInternal, err)
	}
	return rec, nil
}

// List implements jobs.Store.
func (s *Store) List(ctx context.Context, filter jobs.Filter, limit, offset int) ([]*jobs.Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", jobs.ErrInvalidQuery, limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative, got %d", jobs.ErrInvalidQuery, offset)
	}

	where, args := buildWhere(filter)
	query := `SELECT ` + columns + ` FROM jobs` + where + ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", jobs.ErrInternal, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*jobs.Record, 0, min(limit, 64))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", jobs.ErrInternal, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", jobs.ErrInternal, err)
	}
	return out, nil
}

// Ping implements jobs.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrInternal, err)
	}
	return nil
}

// Close implements jobs.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func buildWhere(f jobs.Filter) (string, []any) {
	var clauses []string
	var args []any

	if f.ID != "" {
		clauses = append(clauses, "id = ?")
		args = append(args, f.ID)
	}
	if f.Name != "" {
		clauses = append(clauses, "name LIKE ?")
		args = append(args, f.Name)
	}
	if f.User != "" {
		clauses = append(clauses, "user_name = ?")
		args = append(args, f.User)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.ClusterName != "" {
		clauses = append(clauses, "cluster_name = ?")
		args = append(args, f.ClusterName)
	}
	if f.ClusterID != "" {
		clauses = append(clauses, "cluster_id = ?")
		args = append(args, f.ClusterID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*jobs.Record, error) {
	var (
		rec                                     jobs.Record
		status                                  string
		args, criteria, cmdCriteria, deps, tags sql.NullString
		description                             sql.NullString
		exitCode                                sql.NullInt64
		createdAt, updatedAt                    int64
		startedAt, finishedAt                   sql.NullInt64
	)
	err := sc.Scan(
		&rec.ID, &rec.Name, &rec.User, &status, &rec.StatusMsg, &rec.ClusterName, &rec.ClusterID, &rec.ClientHost,
		&rec.Command, &args, &criteria, &cmdCriteria, &deps, &description, &tags,
		&rec.SandboxDir, &exitCode, &createdAt, &updatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = jobs.Status(status)
	rec.Description = description.String
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		rec.ExitCode = &v
	}
	if startedAt.Valid {
		t := fromNanos(startedAt.Int64)
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := fromNanos(finishedAt.Int64)
		rec.FinishedAt = &t
	}

	if err := decodeJSON(args, &rec.Args); err != nil {
		return nil, err
	}
	if err := decodeJSON(criteria, &rec.ClusterCriteria); err != nil {
		return nil, err
	}
	if err := decodeJSON(cmdCriteria, &rec.CommandCriteria); err != nil {
		return nil, err
	}
	if err := decodeJSON(deps, &rec.FileDependencies); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &rec.Tags); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode column: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func decodeJSON(s sql.NullString, dest any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), dest); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
