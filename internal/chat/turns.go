package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrTurnSuperseded is the cancellation cause of a turn replaced by a newer
// send from the same visitor session.
var ErrTurnSuperseded = errors.New("turn superseded by a newer message")

// liveTurn is an in-flight turn that can be superseded.
type liveTurn struct {
	cancel context.CancelCauseFunc
}

// TurnRegistry tracks the in-flight turn of each visitor session so that a
// newer send from the same session cancels the older one server-side.
type TurnRegistry struct {
	mu     sync.Mutex
	active map[string]map[string]*liveTurn
	logger *slog.Logger
}

// NewTurnRegistry creates an empty registry.
func NewTurnRegistry(logger *slog.Logger) *TurnRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnRegistry{
		active: make(map[string]map[string]*liveTurn),
		logger: logger,
	}
}

// Begin derives a cancellable context for a new turn and cancels any turn
// still running for the same visitor session. Turns without a session key are
// never superseded; a superseded turn's context reports ErrTurnSuperseded as
// its cause. The returned end function must be called when the turn finishes,
// with the cancellation cause or nil.
func (m *TurnRegistry) Begin(ctx context.Context, visitorID, sessionID string) (context.Context, func(cause error)) {
	ctx, cancel := context.WithCancelCause(ctx)
	if sessionID == "" {
		return ctx, cancel
	}
	turn := &liveTurn{cancel: cancel}

	m.mu.Lock()
	sessions, ok := m.active[visitorID]
	if !ok {
		sessions = make(map[string]*liveTurn)
		m.active[visitorID] = sessions
	}
	if existing, ok := sessions[sessionID]; ok {
		existing.cancel(ErrTurnSuperseded)
		m.logger.Info("chat turn superseded", "visitor_id", visitorID, "session_id", sessionID)
	}
	sessions[sessionID] = turn
	m.mu.Unlock()

	return ctx, func(cause error) {
		cancel(cause)
		m.end(visitorID, sessionID, turn)
	}
}

// end removes turn unless a newer turn already replaced it.
func (m *TurnRegistry) end(visitorID, sessionID string, turn *liveTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[visitorID]
	if !ok {
		return
	}
	if current, exists := sessions[sessionID]; exists && current == turn {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, visitorID)
		}
	}
}

// Active reports whether a turn is running for the visitor session.
func (m *TurnRegistry) Active(visitorID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[visitorID][sessionID]
	return ok
}

// CancelAll cancels every running turn, used on shutdown.
func (m *TurnRegistry) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for visitorID, sessions := range m.active {
		for _, turn := range sessions {
			turn.cancel(nil)
		}
		delete(m.active, visitorID)
	}
}
