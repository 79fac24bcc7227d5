package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webkaz/superset/internal/agent"
)

const (
	opencodeRequestTimeout = 30 * time.Second
	opencodeMaxEventSize   = 4 * 1024 * 1024
)

// ErrStreamClosed is returned when the event stream ends before the session
// goes idle.
var ErrStreamClosed = errors.New("backends: opencode event stream closed") //nolint:gochecknoglobals // sentinel error

// OpenCodeClient implements agent.StreamClient against an OpenCode server's
// HTTP API. One client owns at most one OpenCode session, created on the
// first Stream and reused afterwards.
type OpenCodeClient struct {
	baseURL   string
	provider  string
	model     string
	directory string
	http      *http.Client

	mu        sync.Mutex
	sessionID string
}

func NewOpenCodeClient(opts agent.ClientOptions) (agent.StreamClient, error) {
	// No client Timeout: the event stream is long-lived.
	c, err := newOpenCodeClient(opts, &http.Client{})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newOpenCodeClient(opts agent.ClientOptions, hc *http.Client) (*OpenCodeClient, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backends.NewOpenCodeClient: invalid url %q", opts.URL)
	}
	return &OpenCodeClient{
		baseURL:   strings.TrimRight(opts.URL, "/"),
		provider:  opts.Provider,
		model:     opts.Model,
		directory: opts.Directory,
		http:      hc,
	}, nil
}

func (c *OpenCodeClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Stream subscribes to the server's event feed, submits the prompt and
// returns a stream of the session's events. The subscription is opened
// before the prompt so no early event is missed.
func (c *OpenCodeClient) Stream(ctx context.Context, req agent.StreamRequest) (agent.Stream, error) {
	sid, err := c.ensureSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("backends.OpenCodeClient.Stream: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.endpoint("/event"), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("backends.OpenCodeClient.Stream: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("backends.OpenCodeClient.Stream: subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("backends.OpenCodeClient.Stream: subscribe: status %d", resp.StatusCode)
	}

	provider, model := c.splitModel(req.Model)
	body := promptBody{
		Parts: []promptPart{{Type: "text", Text: req.Prompt}},
	}
	if model != "" {
		body.Model = &promptModel{ProviderID: provider, ModelID: model}
	}
	if err := c.post(ctx, "/session/"+url.PathEscape(sid)+"/prompt_async", body, nil); err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("backends.OpenCodeClient.Stream: prompt: %w", err)
	}

	log.Debug().Str("session_id", sid).Str("message_id", req.MessageID).Str("model", provider+"/"+model).
		Msg("backends.OpenCodeClient.Stream: prompt submitted")

	return newOpenCodeStream(sid, resp.Body, cancel), nil
}

// Stop aborts the running prompt. It is a no-op before the first session.
func (c *OpenCodeClient) Stop(ctx context.Context) error {
	sid := c.SessionID()
	if sid == "" {
		return nil
	}
	if err := c.post(ctx, "/session/"+url.PathEscape(sid)+"/abort", struct{}{}, nil); err != nil {
		return fmt.Errorf("backends.OpenCodeClient.Stop: %w", err)
	}
	return nil
}

func (c *OpenCodeClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *OpenCodeClient) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID != "" {
		return c.sessionID, nil
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/session", struct{}{}, &created); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("create session: empty session id")
	}

	c.sessionID = created.ID
	log.Info().Str("session_id", created.ID).Msg("backends.OpenCodeClient: session created")
	return created.ID, nil
}

// splitModel resolves "provider/model" or a bare model name.
func (c *OpenCodeClient) splitModel(override string) (string, string) {
	m := override
	if m == "" {
		m = c.model
	}
	if provider, model, ok := strings.Cut(m, "/"); ok {
		return provider, model
	}
	return c.provider, m
}

func (c *OpenCodeClient) endpoint(path string) string {
	u := c.baseURL + path
	if c.directory != "" {
		u += "?directory=" + url.QueryEscape(c.directory)
	}
	return u
}

func (c *OpenCodeClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opencodeRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("POST %s: decode: %w", path, err)
	}
	return nil
}

type promptBody struct {
	Parts []promptPart `json:"parts"`
	Model *promptModel `json:"model,omitempty"`
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptModel struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// serverEvent is one message of the OpenCode /event feed.
type serverEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type messageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
}

type messagePart struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	MessageID string    `json:"messageID"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Tool      string    `json:"tool"`
	CallID    string    `json:"callID"`
	State     toolState `json:"state"`
}

type toolState struct {
	Status string         `json:"status"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output"`
	Error  string         `json:"error"`
}

type sessionError struct {
	SessionID string `json:"sessionID"`
	Error     struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

// openCodeStream filters the server-wide event feed down to one session and
// translates it into agent events.
type openCodeStream struct {
	sessionID string
	body      io.ReadCloser
	cancel    context.CancelFunc
	scanner   *bufio.Scanner

	userMessages map[string]bool
	texts        map[string]string // part id -> last text sent
	toolStatus   map[string]string // call id -> last status sent
	pending      []agent.Event
	done         bool
}

func newOpenCodeStream(sessionID string, body io.ReadCloser, cancel context.CancelFunc) *openCodeStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), opencodeMaxEventSize)
	return &openCodeStream{
		sessionID:    sessionID,
		body:         body,
		cancel:       cancel,
		scanner:      scanner,
		userMessages: make(map[string]bool),
		texts:        make(map[string]string),
		toolStatus:   make(map[string]string),
	}
}

func (s *openCodeStream) Recv() (agent.Event, error) {
	for {
		if len(s.pending) > 0 {
			evt := s.pending[0]
			s.pending = s.pending[1:]
			return evt, nil
		}
		if s.done {
			return agent.Event{}, io.EOF
		}

		data, err := s.nextData()
		if err != nil {
			return agent.Event{}, err
		}

		var se serverEvent
		if err := json.Unmarshal(data, &se); err != nil {
			log.Debug().Err(err).Msg("backends.openCodeStream: skipping malformed event")
			continue
		}
		s.handle(se)
	}
}

func (s *openCodeStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// nextData returns the payload of the next SSE message, joining multi-line
// data fields.
func (s *openCodeStream) nextData() ([]byte, error) {
	var buf []byte
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(buf) > 0 {
				return buf, nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if len(buf) > 0 {
				buf = append(buf, '\n')
			}
			buf = append(buf, strings.TrimPrefix(v, " ")...)
		}
	}
	if len(buf) > 0 {
		return buf, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("backends.openCodeStream: %w", err)
	}
	return nil, ErrStreamClosed
}

func (s *openCodeStream) handle(se serverEvent) {
	switch se.Type {
	case "message.updated":
		var p struct {
			Info messageInfo `json:"info"`
		}
		if json.Unmarshal(se.Properties, &p) == nil && p.Info.SessionID == s.sessionID && p.Info.Role == "user" {
			s.userMessages[p.Info.ID] = true
		}

	case "message.part.updated":
		var p struct {
			Part messagePart `json:"part"`
		}
		if json.Unmarshal(se.Properties, &p) != nil || p.Part.SessionID != s.sessionID {
			return
		}
		s.handlePart(p.Part)

	case "session.error":
		var p sessionError
		if json.Unmarshal(se.Properties, &p) != nil || (p.SessionID != "" && p.SessionID != s.sessionID) {
			return
		}
		msg := p.Error.Data.Message
		if msg == "" {
			msg = p.Error.Name
		}
		s.pending = append(s.pending, agent.ErrorEvent(msg))
		s.done = true

	case "session.idle":
		var p struct {
			SessionID string `json:"sessionID"`
		}
		if json.Unmarshal(se.Properties, &p) == nil && p.SessionID == s.sessionID {
			s.pending = append(s.pending, agent.StreamEndEvent())
			s.done = true
		}
	}
}

func (s *openCodeStream) handlePart(part messagePart) {
	if s.userMessages[part.MessageID] {
		return
	}

	switch part.Type {
	case "text":
		if part.Text == "" || s.texts[part.ID] == part.Text {
			return
		}
		s.texts[part.ID] = part.Text
		// Text parts carry the full content so far, not a delta.
		s.pending = append(s.pending, agent.TokenEvent(part.Text))

	case "tool":
		key := part.CallID
		if key == "" {
			key = part.ID
		}
		if part.State.Status == "" || s.toolStatus[key] == part.State.Status {
			return
		}
		s.toolStatus[key] = part.State.Status

		output := part.State.Output
		if part.State.Status == "error" {
			output = part.State.Error
		}
		s.pending = append(s.pending, agent.ToolCallEvent(part.Tool, part.State.Input, part.State.Status, output))
	}
}
