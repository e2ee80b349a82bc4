// Package chatclient consumes chat turns from a concierge server and keeps
// the transcript a visitor-facing UI renders.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/stream"
)

const (
	sendPath       = "/api/chat/send"
	sessionHeader  = "X-Concierge-Session-ID"
	troubleMessage = "I apologize, but I'm having trouble responding right now. Please try again in a moment."
)

// ErrCancelled is returned by Send when the turn was aborted by Cancel or
// superseded by a newer Send.
var ErrCancelled = errors.New("chat turn cancelled")

// TurnError is returned by Send when the server ended the turn with an error.
type TurnError struct {
	Message string
}

func (e *TurnError) Error() string {
	return "chat turn failed: " + e.Message
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	SessionID      string
	ContactID      string
	ConversationID string
	HTTPClient     *http.Client
	// OnUpdate is called after every state change with a fresh snapshot.
	// It must not call back into the Client.
	OnUpdate func(Snapshot)
	Logger   *slog.Logger
}

// Snapshot is a consistent copy of the client state.
type Snapshot struct {
	Transcript     []domain.TranscriptEntry
	Streaming      string
	IsStreaming    bool
	ConversationID string
	// Notices holds inline action failures reported during the current turn.
	Notices []string
}

// Client sends utterances and folds the resulting event stream into a
// transcript. Only one turn is in flight at a time; starting a new one
// aborts the previous turn without committing its partial content.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu             sync.Mutex
	sessionID      string
	contactID      string
	conversationID string
	transcript     []domain.TranscriptEntry
	buffer         strings.Builder
	streaming      bool
	notices        []string
	turn           uint64
	cancel         context.CancelFunc
	onUpdate       func(Snapshot)
}

// New creates a Client. When no HTTP client is given, one with a cookie jar
// is used so the visitor cookie issued by the server is sent back.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("chatclient: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("chatclient: cookie jar: %w", err)
		}
		httpClient = &http.Client{Jar: jar}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		http:           httpClient,
		logger:         logger,
		sessionID:      cfg.SessionID,
		contactID:      cfg.ContactID,
		conversationID: cfg.ConversationID,
		onUpdate:       cfg.OnUpdate,
	}, nil
}

// Send starts a turn and blocks until it ends. Any turn still in flight is
// aborted first. The outcome is reflected in the transcript; the returned
// error is ErrCancelled for an aborted turn, a *TurnError when the server
// reported a failure, or a transport error.
func (c *Client) Send(ctx context.Context, message string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.turn++
	turn := c.turn
	c.cancel = cancel
	c.transcript = append(c.transcript, newEntry(domain.VisibleUser, message))
	c.buffer.Reset()
	c.notices = nil
	c.streaming = true
	body := sendBody{
		Message:        message,
		ConversationID: c.conversationID,
		SessionID:      c.sessionID,
		ContactID:      c.contactID,
	}
	c.mu.Unlock()
	c.notify()

	err := c.run(ctx, turn, body)
	if err != nil && ctx.Err() != nil {
		c.abandon(turn)
		return ErrCancelled
	}
	return err
}

// Cancel aborts the in-flight turn, if any. Partial content is discarded.
func (c *Client) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset aborts any in-flight turn and starts a new conversation.
func (c *Client) Reset() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.turn++
	c.transcript = nil
	c.conversationID = ""
	c.buffer.Reset()
	c.notices = nil
	c.streaming = false
	c.mu.Unlock()
	c.notify()
}

// Snapshot returns a copy of the current state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Client) snapshotLocked() Snapshot {
	return Snapshot{
		Transcript:     append([]domain.TranscriptEntry(nil), c.transcript...),
		Streaming:      c.buffer.String(),
		IsStreaming:    c.streaming,
		ConversationID: c.conversationID,
		Notices:        append([]string(nil), c.notices...),
	}
}

type sendBody struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	ContactID      string `json:"contactId,omitempty"`
}

func (c *Client) run(ctx context.Context, turn uint64, body sendBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return c.failTransport(ctx, turn, fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sendPath, bytes.NewReader(payload))
	if err != nil {
		return c.failTransport(ctx, turn, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if body.SessionID != "" {
		req.Header.Set(sessionHeader, body.SessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.failTransport(ctx, turn, fmt.Errorf("send message: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		c.apply(turn, stream.Error("", apiErr.Error))
		return &TurnError{Message: apiErr.Error}
	}

	for ev, err := range stream.NewDecoder(resp.Body).Events() {
		if err != nil {
			return c.failTransport(ctx, turn, fmt.Errorf("read stream: %w", err))
		}
		terminal, current := c.apply(turn, ev)
		if !current {
			return ErrCancelled
		}
		if terminal {
			if ev.Type == stream.EventError {
				return &TurnError{Message: ev.Error}
			}
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.failTransport(ctx, turn, errors.New("stream ended before the turn completed"))
}

// apply folds one event into the state. It reports whether the event ended
// the turn and whether turn is still the current one.
func (c *Client) apply(turn uint64, ev stream.Event) (terminal, current bool) {
	c.mu.Lock()
	if c.turn != turn || !c.streaming {
		c.mu.Unlock()
		return false, false
	}
	if ev.ConversationID != "" && c.conversationID == "" {
		c.conversationID = ev.ConversationID
	}

	switch {
	case ev.Type == stream.EventContent:
		c.buffer.WriteString(ev.Content)
	case ev.Type == stream.EventFunctionCall:
		c.buffer.WriteString(ev.Message)
	case ev.IsActionError():
		c.notices = append(c.notices, ev.Error)
	case ev.Type == stream.EventDone:
		if c.buffer.Len() > 0 {
			c.transcript = append(c.transcript, newEntry(domain.VisibleAssistant, c.buffer.String()))
		}
		c.endTurnLocked()
		terminal = true
	case ev.Type == stream.EventError:
		c.transcript = append(c.transcript, newEntry(domain.VisibleAssistant,
			fmt.Sprintf("I apologize, but I encountered an error: %s. Please try again.", ev.Error)))
		c.endTurnLocked()
		terminal = true
	default:
		c.logger.Debug("ignoring unknown stream event", "type", ev.Type)
	}
	c.mu.Unlock()
	c.notify()
	return terminal, true
}

func (c *Client) failTransport(ctx context.Context, turn uint64, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	if c.turn != turn || !c.streaming {
		c.mu.Unlock()
		return err
	}
	c.logger.Warn("chat turn failed", "error", err)
	c.transcript = append(c.transcript, newEntry(domain.VisibleAssistant, troubleMessage))
	c.endTurnLocked()
	c.mu.Unlock()
	c.notify()
	return err
}

// abandon drops the partial state of an aborted turn without committing it.
func (c *Client) abandon(turn uint64) {
	c.mu.Lock()
	if c.turn != turn || !c.streaming {
		c.mu.Unlock()
		return
	}
	c.endTurnLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Client) endTurnLocked() {
	c.buffer.Reset()
	c.streaming = false
	c.cancel = nil
}

func (c *Client) notify() {
	if c.onUpdate == nil {
		return
	}
	c.onUpdate(c.Snapshot())
}

func newEntry(role domain.VisibleRole, content string) domain.TranscriptEntry {
	return domain.TranscriptEntry{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
