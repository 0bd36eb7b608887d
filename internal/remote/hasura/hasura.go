// Package hasura implements remote.Service against a Hasura GraphQL engine.
// Queries and mutations go over HTTP; change signals come from one live
// query subscription per table over a websocket.
package hasura

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	graphql "github.com/hasura/go-graphql-client"
	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/changefeed"
	"github.com/estatedesk/estatesync/internal/remote"
)

// Config holds the connection settings.
type Config struct {
	// URL is the HTTP GraphQL endpoint, e.g. https://hasura.example.com/v1/graphql.
	URL string
	// WebsocketURL defaults to URL with the scheme switched to ws/wss.
	WebsocketURL string
	AdminSecret  string
	// ChangeColumn is aggregated by the live query; updated rows must move it.
	ChangeColumn string
	// IDType is the GraphQL scalar of the primary key ("String" or "uuid").
	IDType string
	// Schema maps each table to its data columns.
	Schema map[string][]string
	// Limiter, if set, receives rate-limit headers from every response.
	Limiter *remote.RateLimiter
	Timeout time.Duration
}

// Service is a Hasura-backed remote.Service.
type Service struct {
	cfg    Config
	client *graphql.Client
	hub    *changefeed.Hub
	logger *logrus.Entry

	mu     sync.Mutex
	sc     *graphql.SubscriptionClient
	live   map[string]string // table -> subscription id
	closed bool
	wg     sync.WaitGroup
}

var _ remote.Service = (*Service)(nil)

// New creates a client. No connection is made until the first call.
func New(cfg Config, logger *logrus.Entry) (*Service, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hasura url is required")
	}
	if cfg.ChangeColumn == "" {
		cfg.ChangeColumn = "updated_at"
	}
	if cfg.IDType == "" {
		cfg.IDType = "String"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.WebsocketURL == "" {
		cfg.WebsocketURL = websocketURL(cfg.URL)
	}
	header := http.Header{}
	if cfg.AdminSecret != "" {
		header.Set("X-Hasura-Admin-Secret", cfg.AdminSecret)
	}
	httpClient := &http.Client{
		Transport: &remote.HeaderTransport{Limiter: cfg.Limiter, Base: http.DefaultTransport, Header: header},
		Timeout:   cfg.Timeout,
	}
	log := logger.WithFields(logrus.Fields{"component": "remote", "backend": "hasura"})
	return &Service{
		cfg:    cfg,
		client: graphql.NewClient(cfg.URL, httpClient),
		hub:    changefeed.NewHub(log),
		logger: log,
		live:   map[string]string{},
	}, nil
}

func websocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (s *Service) fields(table string) []string {
	return s.cfg.Schema[table]
}

// exec runs doc and decodes the single root field named field into out.
func (s *Service) exec(ctx context.Context, op, table, field, doc string, vars map[string]any, out any) error {
	raw, err := s.client.ExecRaw(ctx, doc, vars)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return remote.NewTransportError(op, table, err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return remote.NewTransportError(op, table, fmt.Errorf("decoding response: %w", err))
	}
	value, ok := data[field]
	if !ok {
		return remote.NewTransportError(op, table, fmt.Errorf("response has no %q field", field))
	}
	if err := json.Unmarshal(value, out); err != nil {
		return remote.NewTransportError(op, table, fmt.Errorf("decoding %s: %w", field, err))
	}
	return nil
}

// Query runs q.
func (s *Service) Query(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	if err := remote.ValidateRow(remote.Row(q.Filter)); err != nil {
		return nil, err
	}
	doc, vars := SelectQuery(q, s.fields(q.Table))
	var rows []remote.Row
	if err := s.exec(ctx, "query", q.Table, q.Table, doc, vars, &rows); err != nil {
		return nil, err
	}
	for i, r := range rows {
		rows[i] = normalizeRow(r)
	}
	return rows, nil
}

// Insert stores row under a client-generated id; created_at comes from the
// column default.
func (s *Service) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	if err := remote.ValidateRow(row); err != nil {
		return nil, err
	}
	object := remote.Normalize(row)
	delete(object, remote.FieldCreatedAt)
	object[remote.FieldID] = uuid.NewString()

	doc, vars := InsertMutation(table, s.fields(table), object)
	var out remote.Row
	if err := s.exec(ctx, "insert", table, "insert_"+table+"_one", doc, vars, &out); err != nil {
		return nil, err
	}
	return normalizeRow(out), nil
}

// Update merges patch into the row. A null result means no such id.
func (s *Service) Update(ctx context.Context, table, id string, patch remote.Row) (remote.Row, error) {
	if err := remote.ValidateRow(patch); err != nil {
		return nil, err
	}
	set := remote.Normalize(patch)
	delete(set, remote.FieldID)
	delete(set, remote.FieldCreatedAt)

	doc, vars := UpdateMutation(table, s.cfg.IDType, s.fields(table), id, set)
	var out remote.Row
	if err := s.exec(ctx, "update", table, "update_"+table+"_by_pk", doc, vars, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, remote.NotFoundf(table, id)
	}
	return normalizeRow(out), nil
}

// Delete removes the row.
func (s *Service) Delete(ctx context.Context, table, id string) error {
	doc, vars := DeleteMutation(table, s.cfg.IDType, id)
	var out remote.Row
	if err := s.exec(ctx, "delete", table, "delete_"+table+"_by_pk", doc, vars, &out); err != nil {
		return err
	}
	if out == nil {
		return remote.NotFoundf(table, id)
	}
	return nil
}

// Count returns the number of matching rows.
func (s *Service) Count(ctx context.Context, table string, filter remote.Filter) (int, error) {
	if err := remote.ValidateRow(remote.Row(filter)); err != nil {
		return 0, err
	}
	doc, vars := CountQuery(table, filter)
	var out struct {
		Aggregate struct {
			Count int `json:"count"`
		} `json:"aggregate"`
	}
	if err := s.exec(ctx, "count", table, table+"_aggregate", doc, vars, &out); err != nil {
		return 0, err
	}
	return out.Aggregate.Count, nil
}

// Subscribe registers fn and makes sure the table's live query is running.
func (s *Service) Subscribe(ctx context.Context, table string, fn func(remote.Event)) (remote.Subscription, error) {
	if err := s.ensureLive(table); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, table, fn)
}

func (s *Service) ensureLive(table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrClosed
	}
	if _, ok := s.live[table]; ok {
		return nil
	}
	if s.sc == nil {
		s.startClient()
	}
	sc := s.sc

	// Hasura answers a live query with the current result first; only later
	// results signal a change.
	var seen bool
	id, err := sc.Exec(LiveQuery(table, s.cfg.ChangeColumn), nil, func(_ []byte, err error) error {
		if err != nil {
			s.logger.WithError(err).WithField("table", table).Warn("live query error")
			return nil
		}
		if !seen {
			seen = true
			return nil
		}
		return s.hub.Publish(context.Background(), remote.Event{Kind: remote.EventAny, Table: table, At: time.Now()})
	})
	if err != nil {
		return remote.NewTransportError("subscribe", table, err)
	}
	s.live[table] = id
	return nil
}

// startClient creates the websocket client and runs it until it fails or
// the service closes. A failure drops every subscription so consumers
// reconnect, which starts a fresh client. Called with mu held.
func (s *Service) startClient() {
	params := map[string]any{}
	if s.cfg.AdminSecret != "" {
		params["headers"] = map[string]any{"x-hasura-admin-secret": s.cfg.AdminSecret}
	}
	sc := graphql.NewSubscriptionClient(s.cfg.WebsocketURL).
		WithConnectionParams(params).
		WithProtocol(graphql.GraphQLWS).
		OnError(func(_ *graphql.SubscriptionClient, err error) error {
			return err
		})
	s.sc = sc

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := sc.Run()

		s.mu.Lock()
		closed := s.closed
		if s.sc == sc {
			s.sc = nil
			s.live = map[string]string{}
		}
		s.mu.Unlock()
		if closed {
			return
		}
		if err == nil {
			err = fmt.Errorf("subscription client stopped")
		}
		s.logger.WithError(err).Warn("live query connection lost")
		s.hub.Drop(err)
	}()
}

// Close stops the websocket client.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	sc := s.sc
	s.mu.Unlock()
	if sc != nil {
		_ = sc.Close()
	}
	s.wg.Wait()
	return s.hub.Close()
}

// normalizeRow rewrites timestamps into the shared layout so rows from every
// backend compare and sort the same way.
func normalizeRow(r remote.Row) remote.Row {
	if r == nil {
		return nil
	}
	if v, ok := r[remote.FieldCreatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			r[remote.FieldCreatedAt] = remote.FormatTimestamp(t)
		}
	}
	return r
}
