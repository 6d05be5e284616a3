// Package chat manages the single lazily-created text-chat session.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doorwai/doorwai-client/internal/api"
	"github.com/doorwai/doorwai-client/internal/model/chat"
	"github.com/doorwai/doorwai-client/internal/store"
)

const storageKey = "doorwai_chat_session"

// ErrEmptyMessage is returned before any network call when the message text
// trims to nothing.
var ErrEmptyMessage = errors.New("message text is required")

// Backend is the slice of the API client the chat manager needs.
type Backend interface {
	CreateChatSession(ctx context.Context, userID string) (*api.ChatSessionResponse, error)
	SendChatMessage(ctx context.Context, userID, sessionID, message string) (string, error)
}

// UserIDFunc supplies the current user id for implicit session creation.
// It may return "" for an anonymous session.
type UserIDFunc func() string

// Manager owns at most one active chat session. The session is created on
// first use, reused for every message, survives restarts, and is destroyed
// only by an explicit Clear.
type Manager struct {
	store   store.Store
	backend Backend
	userID  UserIDFunc
	logger  *zap.Logger

	mu      sync.Mutex
	session *chat.Session
}

// NewManager builds a chat manager; call Load to restore a persisted session.
func NewManager(st store.Store, backend Backend, userID UserIDFunc, logger *zap.Logger) *Manager {
	if userID == nil {
		userID = func() string { return "" }
	}
	return &Manager{
		store:   st,
		backend: backend,
		userID:  userID,
		logger:  logger,
	}
}

// Load restores the session persisted by a previous run, if any. The server
// side is not revalidated; an expired session surfaces on the next send.
func (m *Manager) Load() error {
	raw, err := m.store.Get(storageKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load chat session: %w", err)
	}

	var session chat.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		m.logger.Warn("stored chat session is unreadable, ignoring", zap.Error(err))
		return nil
	}
	if session.SessionID == "" {
		return nil
	}

	m.mu.Lock()
	m.session = &session
	m.mu.Unlock()
	return nil
}

// Session returns a copy of the active session, if one exists.
func (m *Manager) Session() (chat.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return chat.Session{}, false
	}
	return *m.session, true
}

// EnsureSession returns the active session, creating and persisting one if
// none exists.
func (m *Manager) EnsureSession(ctx context.Context, userID string) (chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx, userID)
}

func (m *Manager) ensureLocked(ctx context.Context, userID string) (chat.Session, error) {
	if m.session != nil {
		return *m.session, nil
	}

	resp, err := m.backend.CreateChatSession(ctx, userID)
	if err != nil {
		return chat.Session{}, err
	}
	if resp.SessionID == "" {
		return chat.Session{}, fmt.Errorf("chat session response carried no session id")
	}

	session := chat.Session{
		UserID:    resp.UserID,
		SessionID: resp.SessionID,
		CreatedAt: time.Now().UTC(),
	}
	if session.UserID == "" {
		session.UserID = userID
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return chat.Session{}, fmt.Errorf("encode chat session: %w", err)
	}
	if err := m.store.Set(storageKey, string(raw)); err != nil {
		return chat.Session{}, fmt.Errorf("persist chat session: %w", err)
	}

	m.session = &session
	return session, nil
}

// SendMessage posts text to the active session, creating one first if
// needed, and returns the assistant's reply. A send failure leaves the
// session in place; transient errors must not force session recreation.
func (m *Manager) SendMessage(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	m.mu.Lock()
	session, err := m.ensureLocked(ctx, m.userID())
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	return m.backend.SendChatMessage(ctx, session.UserID, session.SessionID, text)
}

// Clear deletes the persisted session and forgets the in-memory one. The
// next SendMessage creates a fresh session transparently. In-memory state is
// cleared even if the deletion fails.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()

	if err := m.store.Delete(storageKey); err != nil {
		m.logger.Warn("could not delete stored chat session", zap.Error(err))
		return fmt.Errorf("delete chat session: %w", err)
	}
	return nil
}
