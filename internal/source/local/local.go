// Package local is the SQLite-backed event source: durable tables with
// snapshot queries, plus in-process fan-out of insert/update events to
// filtered subscriptions. It gives the server and tests the same
// query/subscribe semantics a managed realtime backend provides.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/source"
)

var (
	// ErrUnknownTable is returned for tables outside the schema registry.
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnknownColumn is returned when a filter, order, or write names a
	// column the table does not have.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrRowNotFound is returned by Update for a missing id.
	ErrRowNotFound = errors.New("row not found")
)

// Source implements source.Source over a SQLite database.
type Source struct {
	db  *sql.DB
	log zerolog.Logger
	hub *hub
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string, logger *zerolog.Logger) (*Source, error) {
	return NewWithSetup(dbPath, logger, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup opens the database and runs a setup function before first
// use. Tests use it to seed rows without a separate migration step.
func NewWithSetup(dbPath string, logger *zerolog.Logger, setup func(*sql.DB) error) (*Source, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Source{
		db:  db,
		log: logger.With().Str("component", "source").Logger(),
		hub: newHub(logger),
	}, nil
}

// Close shuts the fan-out hub and the database connection.
func (s *Source) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

// DB exposes the underlying handle for test seeding.
func (s *Source) DB() *sql.DB {
	return s.db
}

// Query returns a point-in-time snapshot of rows matching the filters.
func (s *Source) Query(ctx context.Context, table string, filters []source.Filter, order source.Order) ([]source.Row, error) {
	cols, ok := tableColumns[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(table)

	args := make([]any, 0, len(filters))
	for i, f := range filters {
		if !hasColumn(table, f.Field) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, f.Field)
		}
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		sb.WriteString(f.Field)
		sb.WriteString(" = ?")
		args = append(args, f.Value)
	}

	orderField := order.Field
	if orderField == "" {
		orderField = "created_at"
	}
	if !hasColumn(table, orderField) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, orderField)
	}
	direction := "ASC"
	if order.Descending {
		direction = "DESC"
	}
	// id is the tie-breaker so equal timestamps order deterministically.
	fmt.Fprintf(&sb, " ORDER BY %s %s, id %s", orderField, direction, direction)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []source.Row
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Insert writes a row, assigning id and created_at when absent, and fans
// the stored row out to matching subscriptions.
func (s *Source) Insert(ctx context.Context, table string, row source.Row) (source.Row, error) {
	if _, ok := tableColumns[table]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	stored := make(source.Row, len(row)+2)
	for k, v := range row {
		if !hasColumn(table, k) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, k)
		}
		stored[k] = v
	}
	if stored.String("id") == "" {
		stored["id"] = uuid.NewString()
	}
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	cols := make([]string, 0, len(stored))
	args := make([]any, 0, len(stored))
	for k, v := range stored {
		cols = append(cols, k)
		args = append(args, normalize(v))
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}

	full, err := s.rowByID(ctx, table, stored.String("id"))
	if err != nil {
		return nil, err
	}
	s.hub.publish(source.Event{Kind: source.EventInsert, Table: table, Row: full})
	return full, nil
}

// Update patches the row with the given id and fans the updated row out.
func (s *Source) Update(ctx context.Context, table, id string, patch source.Row) error {
	if _, ok := tableColumns[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if len(patch) == 0 {
		return nil
	}

	var sets []string
	var args []any
	for k, v := range patch {
		if k == "id" {
			continue
		}
		if !hasColumn(table, k) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, k)
		}
		sets = append(sets, k+" = ?")
		args = append(args, normalize(v))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRowNotFound, table, id)
	}

	full, err := s.rowByID(ctx, table, id)
	if err != nil {
		return err
	}
	s.hub.publish(source.Event{Kind: source.EventUpdate, Table: table, Row: full})
	return nil
}

// Subscribe opens a filtered live stream on the named channel.
func (s *Source) Subscribe(_ context.Context, channel string, opts source.SubscribeOptions) (source.Subscription, error) {
	if opts.Table != "" {
		if _, ok := tableColumns[opts.Table]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, opts.Table)
		}
	}
	return s.hub.subscribe(channel, opts), nil
}

func (s *Source) rowByID(ctx context.Context, table, id string) (source.Row, error) {
	cols := tableColumns[table]
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE id = ?",
		strings.Join(cols, ", "), table,
	)
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query %s: %w", table, err)
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrRowNotFound, table, id)
	}
	row, err := scanRow(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	return row, rows.Err()
}

// scanRow reads the current result row into a Row keyed by column name.
// NULL columns are omitted rather than stored as nil.
func scanRow(rows *sql.Rows, cols []string) (source.Row, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(source.Row, len(cols))
	for i, col := range cols {
		switch v := values[i].(type) {
		case nil:
		case []byte:
			row[col] = string(v)
		default:
			row[col] = v
		}
	}
	return row, nil
}

// normalize maps Go values onto SQLite-storable ones.
func normalize(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
