package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/estatedesk/estatesync/internal/remote"
)

// TokenHeader carries the shared webhook secret.
const TokenHeader = "X-Estatesync-Token"

// Publisher receives accepted change events. changefeed.Feed satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev remote.Event) error
}

// Enqueuer runs work asynchronously. scheduler.TaskQueue satisfies it.
type Enqueuer interface {
	Enqueue(fn func(context.Context)) bool
}

// WebhookHandler accepts change events pushed by the database (directly or
// from a Hasura event trigger) and republishes them on the change feed.
type WebhookHandler struct {
	secretToken string
	feed        Publisher
	queue       Enqueuer
	logger      *logrus.Entry
}

// NewWebhookHandler creates a handler that validates TokenHeader against
// secretToken; an empty secretToken disables the check.
func NewWebhookHandler(secretToken string, feed Publisher, queue Enqueuer, logger *logrus.Entry) *WebhookHandler {
	return &WebhookHandler{
		secretToken: secretToken,
		feed:        feed,
		queue:       queue,
		logger:      logger.WithField("component", "webhook"),
	}
}

// webhookPayload accepts both the native {"kind","table"} form and the
// Hasura event-trigger envelope {"event":{"op"},"table":{"name"}}.
type webhookPayload struct {
	Kind  string          `json:"kind"`
	Table json.RawMessage `json:"table"`
	Event *struct {
		Op string `json:"op"`
	} `json:"event"`
}

// ParseEvent decodes a webhook body into a change event.
func ParseEvent(body []byte) (remote.Event, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return remote.Event{}, fmt.Errorf("decoding payload: %w", err)
	}
	ev := remote.Event{Kind: remote.EventKind(p.Kind), At: time.Now()}

	var name string
	if err := json.Unmarshal(p.Table, &name); err != nil {
		var t struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(p.Table, &t); err != nil {
			return remote.Event{}, fmt.Errorf("payload has no table")
		}
		name = t.Name
	}
	ev.Table = name

	if p.Event != nil && p.Event.Op != "" {
		switch strings.ToUpper(p.Event.Op) {
		case "INSERT":
			ev.Kind = remote.EventInsert
		case "UPDATE":
			ev.Kind = remote.EventUpdate
		case "DELETE":
			ev.Kind = remote.EventDelete
		default:
			ev.Kind = remote.EventAny
		}
	}
	if ev.Kind == "" {
		ev.Kind = remote.EventAny
	}
	if ev.Table == "" || !ev.Kind.Valid() {
		return remote.Event{}, fmt.Errorf("payload missing table or has unknown kind %q", ev.Kind)
	}
	return ev, nil
}

// ServeHTTP implements http.Handler.
func (wh *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if wh.secretToken != "" {
		token := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(wh.secretToken)) != 1 {
			wh.logger.Warn("webhook received with invalid token")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	// Read body (limit to 1 MB).
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		wh.logger.WithError(err).Error("failed to read webhook body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		wh.logger.WithError(err).Warn("rejecting webhook payload")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	log := wh.logger.WithFields(logrus.Fields{"table": ev.Table, "kind": ev.Kind})
	accepted := wh.queue.Enqueue(func(ctx context.Context) {
		if err := wh.feed.Publish(ctx, ev); err != nil {
			log.WithError(err).Warn("failed to publish webhook event")
		}
	})
	if !accepted {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
		return
	}
	log.Debug("webhook event queued")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
