package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const defaultEventPath = "/internal/sandbox-event"

// HTTPSinkOptions configures an HTTPSink.
type HTTPSinkOptions struct {
	BaseURL   string // control plane base URL
	Path      string // event endpoint path, defaults to /internal/sandbox-event
	SessionID string
	Token     string // bearer token
	Timeout   time.Duration
	Client    *http.Client // optional base client (tests)
}

// HTTPSink posts each event to the control plane. Failures are logged and
// dropped; nothing is retried.
type HTTPSink struct {
	client    *http.Client
	endpoint  string
	sessionID string
}

type envelope struct {
	SessionID string `json:"sessionId"`
	Event     Event  `json:"event"`
}

func NewHTTPSink(opts HTTPSinkOptions) *HTTPSink {
	path := opts.Path
	if path == "" {
		path = defaultEventPath
	}

	ctx := context.Background()
	if opts.Client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.Client)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: opts.Token,
		TokenType:   "Bearer",
	}))
	client.Timeout = opts.Timeout
	if client.Timeout <= 0 {
		client.Timeout = 10 * time.Second
	}

	return &HTTPSink{
		client:    client,
		endpoint:  strings.TrimRight(opts.BaseURL, "/") + path,
		sessionID: opts.SessionID,
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, evt Event) {
	if err := s.post(ctx, evt); err != nil {
		log.Warn().Err(err).Str("event_type", string(evt.Type)).Str("event_id", evt.ID).Msg("event.HTTPSink.Deliver: failed to emit event")
	}
}

func (s *HTTPSink) post(ctx context.Context, evt Event) error {
	body, err := json.Marshal(envelope{SessionID: s.sessionID, Event: evt})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
