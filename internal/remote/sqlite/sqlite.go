// Package sqlite implements remote.Service on SQLite through the pure-Go
// modernc.org/sqlite driver. Rows are JSON documents; change events are
// published to an injected feed after each committed write.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/estatedesk/estatesync/internal/changefeed"
	"github.com/estatedesk/estatesync/internal/remote"
)

// Service is a SQLite-backed remote.Service.
type Service struct {
	db     *sql.DB
	feed   changefeed.Feed
	now    func() time.Time
	logger *logrus.Entry

	// mu serialises writes so created_at stays strictly increasing.
	mu   sync.Mutex
	last time.Time
}

var _ remote.Service = (*Service)(nil)

// Open creates or opens the database at path and ensures every table in
// tables exists. ":memory:" opens a private in-memory database.
func Open(path string, tables []string, feed changefeed.Feed, logger *logrus.Entry) (*Service, error) {
	if path == "" {
		path = "estatesync.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	for _, t := range tables {
		if _, err := db.Exec(SchemaStatement(t)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create table %s: %w", t, err)
		}
	}
	log := logger.WithFields(logrus.Fields{"component": "remote", "backend": "sqlite"})
	if feed == nil {
		feed = changefeed.NewHub(log)
	}
	return &Service{db: db, feed: feed, now: time.Now, logger: log}, nil
}

// SchemaStatement returns the DDL for one resource table.
func SchemaStatement(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}'
)`, quoteIdent(table))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// BuildWhere renders the WHERE clause and arguments for filter. Keys are
// sorted so the SQL is deterministic.
func BuildWhere(filter remote.Filter) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	if err := remote.ValidateRow(remote.Row(filter)); err != nil {
		return "", nil, err
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		v := remote.Normalize(remote.Row{k: filter[k]})[k]
		switch k {
		case remote.FieldID, remote.FieldCreatedAt:
			clauses = append(clauses, k+" = ?")
			args = append(args, v)
			continue
		}
		if v == nil {
			clauses = append(clauses, "json_type(data, ?) = 'null'")
			args = append(args, "$."+k)
			continue
		}
		if b, ok := v.(bool); ok {
			// json_extract yields 1/0 for JSON booleans.
			if b {
				v = 1
			} else {
				v = 0
			}
		}
		clauses = append(clauses, "json_extract(data, ?) = ?")
		args = append(args, "$."+k, v)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// BuildSelect renders the SQL and arguments for q.
func BuildSelect(q remote.Query) (string, []any, error) {
	where, args, err := BuildWhere(q.Filter)
	if err != nil {
		return "", nil, err
	}
	sqlText := "SELECT id, created_at, data FROM " + quoteIdent(q.Table) + where
	if q.Order.Field != "" {
		dir := "DESC"
		if q.Order.Ascending {
			dir = "ASC"
		}
		switch q.Order.Field {
		case remote.FieldCreatedAt, remote.FieldID:
			sqlText += fmt.Sprintf(" ORDER BY %s %s", q.Order.Field, dir)
		default:
			sqlText += fmt.Sprintf(" ORDER BY json_extract(data, ?) %s", dir)
			args = append(args, "$."+q.Order.Field)
		}
	}
	return sqlText, args, nil
}

func assemble(id, created, data string) (remote.Row, error) {
	out := remote.Row{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &out); err != nil {
			return nil, fmt.Errorf("decoding row %s: %w", id, err)
		}
	}
	out[remote.FieldID] = id
	out[remote.FieldCreatedAt] = created
	return out, nil
}

// Query runs q.
func (s *Service) Query(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	sqlText, args, err := BuildSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, remote.NewTransportError("query", q.Table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []remote.Row
	for rows.Next() {
		var id, created, data string
		if err := rows.Scan(&id, &created, &data); err != nil {
			return nil, remote.NewTransportError("query", q.Table, err)
		}
		r, err := assemble(id, created, data)
		if err != nil {
			return nil, err
		}
		out = append(out, remote.Project(r, q.Columns))
	}
	if err := rows.Err(); err != nil {
		return nil, remote.NewTransportError("query", q.Table, err)
	}
	return out, nil
}

func encodeDocument(row remote.Row) (remote.Row, string, error) {
	if err := remote.ValidateRow(row); err != nil {
		return nil, "", err
	}
	doc := remote.Normalize(row)
	delete(doc, remote.FieldID)
	delete(doc, remote.FieldCreatedAt)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("encoding row: %w", err)
	}
	return doc, string(data), nil
}

// Insert stores row under a new id.
func (s *Service) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	doc, data, err := encodeDocument(row)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	id := uuid.NewString()
	created := remote.FormatTimestamp(s.nextTimestamp())
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO "+quoteIdent(table)+" (id, created_at, data) VALUES (?, ?, ?)", id, created, data)
	s.mu.Unlock()
	if err != nil {
		return nil, remote.NewTransportError("insert", table, err)
	}
	doc[remote.FieldID] = id
	doc[remote.FieldCreatedAt] = created
	s.publish(ctx, table, remote.EventInsert)
	return doc, nil
}

// Update merges patch into the stored document with json_patch.
func (s *Service) Update(ctx context.Context, table, id string, patch remote.Row) (remote.Row, error) {
	_, data, err := encodeDocument(patch)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+quoteIdent(table)+" SET data = json_patch(data, ?) WHERE id = ?", data, id)
	s.mu.Unlock()
	if err != nil {
		return nil, remote.NewTransportError("update", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, remote.NotFoundf(table, id)
	}
	rows, err := s.Query(ctx, remote.Query{Table: table, Filter: remote.Filter{remote.FieldID: id}})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, table, remote.EventUpdate)
	if len(rows) == 0 {
		return nil, remote.NotFoundf(table, id)
	}
	return rows[0], nil
}

// Delete removes the row.
func (s *Service) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(table)+" WHERE id = ?", id)
	s.mu.Unlock()
	if err != nil {
		return remote.NewTransportError("delete", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return remote.NotFoundf(table, id)
	}
	s.publish(ctx, table, remote.EventDelete)
	return nil
}

// Count returns the number of matching rows.
func (s *Service) Count(ctx context.Context, table string, filter remote.Filter) (int, error) {
	where, args, err := BuildWhere(filter)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(table)+where, args...).Scan(&n); err != nil {
		return 0, remote.NewTransportError("count", table, err)
	}
	return n, nil
}

// Subscribe registers fn on the change feed.
func (s *Service) Subscribe(ctx context.Context, table string, fn func(remote.Event)) (remote.Subscription, error) {
	return s.feed.Subscribe(ctx, table, fn)
}

// Close closes the feed and the database.
func (s *Service) Close() error {
	_ = s.feed.Close()
	return s.db.Close()
}

func (s *Service) nextTimestamp() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Service) publish(ctx context.Context, table string, kind remote.EventKind) {
	if err := s.feed.Publish(ctx, remote.Event{Kind: kind, Table: table, At: s.now()}); err != nil {
		s.logger.WithError(err).WithField("table", table).Warn("publishing change event failed")
	}
}
