// Package postgres implements remote.Service on PostgreSQL. Each table keeps
// server-assigned columns plus a JSONB document; a trigger announces every
// change with pg_notify so writes from other clients reach subscribers too.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/changefeed"
	"github.com/estatedesk/estatesync/internal/remote"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying change events.
const NotifyChannel = "estatesync_changes"

const notifyFunction = `CREATE OR REPLACE FUNCTION estatesync_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + NotifyChannel + `', json_build_object('table', TG_TABLE_NAME, 'kind', lower(TG_OP))::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`

// Service is a PostgreSQL-backed remote.Service.
type Service struct {
	pool   *pgxpool.Pool
	hub    *changefeed.Hub
	logger *logrus.Entry

	mu        sync.Mutex
	listening bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ remote.Service = (*Service)(nil)

// Open connects to dsn and ensures every table in tables exists with its
// change trigger.
func Open(ctx context.Context, dsn string, tables []string, logger *logrus.Entry) (*Service, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log := logger.WithFields(logrus.Fields{"component": "remote", "backend": "postgres"})
	s := &Service{pool: pool, hub: changefeed.NewHub(log), logger: log}
	if err := s.migrate(ctx, tables); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) migrate(ctx context.Context, tables []string) error {
	if _, err := s.pool.Exec(ctx, notifyFunction); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	for _, t := range tables {
		for _, stmt := range SchemaStatements(t) {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate %s: %w", t, err)
			}
		}
	}
	return nil
}

// SchemaStatements returns the DDL for one resource table.
func SchemaStatements(table string) []string {
	t := pgx.Identifier{table}.Sanitize()
	trigger := pgx.Identifier{table + "_notify"}.Sanitize()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	data JSONB NOT NULL DEFAULT '{}'::jsonb
)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at DESC)`,
			pgx.Identifier{table + "_created_at_idx"}.Sanitize(), t),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigger, t),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
	FOR EACH ROW EXECUTE FUNCTION estatesync_notify()`, trigger, t),
	}
}

// BuildSelect renders the SQL and arguments for q.
func BuildSelect(q remote.Query) (string, []any, error) {
	filterJSON, err := filterDocument(q.Filter)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, created_at, data FROM %s WHERE data @> $1::jsonb", pgx.Identifier{q.Table}.Sanitize())
	args := []any{filterJSON}
	if id, ok := q.Filter[remote.FieldID]; ok {
		args = append(args, fmt.Sprint(id))
		fmt.Fprintf(&b, " AND id = $%d", len(args))
	}
	if q.Order.Field != "" {
		dir := "DESC"
		if q.Order.Ascending {
			dir = "ASC"
		}
		switch q.Order.Field {
		case remote.FieldCreatedAt, remote.FieldID:
			fmt.Fprintf(&b, " ORDER BY %s %s", q.Order.Field, dir)
		default:
			args = append(args, q.Order.Field)
			fmt.Fprintf(&b, " ORDER BY data->>$%d %s", len(args), dir)
		}
	}
	return b.String(), args, nil
}

// filterDocument encodes the data-column part of a filter as a JSONB
// containment document.
func filterDocument(f remote.Filter) (string, error) {
	doc := make(map[string]any, len(f))
	for k, v := range f {
		if k == remote.FieldID || k == remote.FieldCreatedAt {
			continue
		}
		doc[k] = v
	}
	if err := remote.ValidateRow(remote.Row(doc)); err != nil {
		return "", err
	}
	data, err := json.Marshal(remote.Normalize(remote.Row(doc)))
	if err != nil {
		return "", fmt.Errorf("encoding filter: %w", err)
	}
	return string(data), nil
}

func scanRow(row pgx.Row) (remote.Row, error) {
	var (
		id      string
		created time.Time
		data    []byte
	)
	if err := row.Scan(&id, &created, &data); err != nil {
		return nil, err
	}
	return assemble(id, created, data)
}

func assemble(id string, created time.Time, data []byte) (remote.Row, error) {
	out := remote.Row{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decoding row %s: %w", id, err)
		}
	}
	out[remote.FieldID] = id
	out[remote.FieldCreatedAt] = remote.FormatTimestamp(created)
	return out, nil
}

// Query runs q.
func (s *Service) Query(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	sql, args, err := BuildSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, remote.NewTransportError("query", q.Table, err)
	}
	defer rows.Close()

	var out []remote.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, remote.NewTransportError("query", q.Table, err)
		}
		out = append(out, remote.Project(r, q.Columns))
	}
	if err := rows.Err(); err != nil {
		return nil, remote.NewTransportError("query", q.Table, err)
	}
	return out, nil
}

func documentFor(row remote.Row) ([]byte, error) {
	if err := remote.ValidateRow(row); err != nil {
		return nil, err
	}
	doc := remote.Normalize(row)
	delete(doc, remote.FieldID)
	delete(doc, remote.FieldCreatedAt)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %w", err)
	}
	return data, nil
}

// Insert stores row under a new id.
func (s *Service) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	data, err := documentFor(row)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2::jsonb) RETURNING id, created_at, data`,
		pgx.Identifier{table}.Sanitize())
	out, err := scanRow(s.pool.QueryRow(ctx, sql, uuid.NewString(), string(data)))
	if err != nil {
		return nil, remote.NewTransportError("insert", table, err)
	}
	return out, nil
}

// Update merges patch into the stored document.
func (s *Service) Update(ctx context.Context, table, id string, patch remote.Row) (remote.Row, error) {
	data, err := documentFor(patch)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(`UPDATE %s SET data = data || $2::jsonb WHERE id = $1 RETURNING id, created_at, data`,
		pgx.Identifier{table}.Sanitize())
	out, err := scanRow(s.pool.QueryRow(ctx, sql, id, string(data)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, remote.NotFoundf(table, id)
	}
	if err != nil {
		return nil, remote.NewTransportError("update", table, err)
	}
	return out, nil
}

// Delete removes the row.
func (s *Service) Delete(ctx context.Context, table, id string) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, pgx.Identifier{table}.Sanitize())
	tag, err := s.pool.Exec(ctx, sql, id)
	if err != nil {
		return remote.NewTransportError("delete", table, err)
	}
	if tag.RowsAffected() == 0 {
		return remote.NotFoundf(table, id)
	}
	return nil
}

// Count returns the number of matching rows.
func (s *Service) Count(ctx context.Context, table string, filter remote.Filter) (int, error) {
	doc, err := filterDocument(filter)
	if err != nil {
		return 0, err
	}
	sql := fmt.Sprintf(`SELECT count(*) FROM %s WHERE data @> $1::jsonb`, pgx.Identifier{table}.Sanitize())
	var n int64
	if err := s.pool.QueryRow(ctx, sql, doc).Scan(&n); err != nil {
		return 0, remote.NewTransportError("count", table, err)
	}
	return int(n), nil
}

// Subscribe registers fn and makes sure the LISTEN connection is running.
func (s *Service) Subscribe(ctx context.Context, table string, fn func(remote.Event)) (remote.Subscription, error) {
	if err := s.ensureListener(ctx); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, table, fn)
}

func (s *Service) ensureListener(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return remote.NewTransportError("subscribe", "", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return remote.NewTransportError("subscribe", "", err)
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	s.listening = true
	s.cancel = cancel
	s.wg.Add(1)
	go s.listen(listenCtx, conn)
	return nil
}

// listen forwards notifications to the hub until the connection fails or
// the service closes. A failure drops every subscription so consumers
// reconnect, which restarts the listener.
func (s *Service) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer s.wg.Done()
	defer conn.Release()
	s.logger.Info("listening for change notifications")
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			s.mu.Lock()
			s.listening = false
			s.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("notification listener failed")
			s.hub.Drop(err)
			return
		}
		ev, err := ParseNotification(n.Payload)
		if err != nil {
			s.logger.WithError(err).Warn("ignoring malformed notification")
			continue
		}
		_ = s.hub.Publish(ctx, ev)
	}
}

// ParseNotification decodes a trigger payload.
func ParseNotification(payload string) (remote.Event, error) {
	var ev remote.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("decoding notification: %w", err)
	}
	if ev.Table == "" || !ev.Kind.Valid() {
		return ev, fmt.Errorf("notification %q missing table or kind", payload)
	}
	ev.At = time.Now()
	return ev, nil
}

// Close stops the listener and closes the pool.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	_ = s.hub.Close()
	s.pool.Close()
	return nil
}
