// Package call connects the device directly to the conversational voice
// agent over a websocket, mirroring what the backend does for phone calls.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrAgentNotConfigured is returned when no agent id was configured.
var ErrAgentNotConfigured = errors.New("voice agent is not configured")

// TranscriptEvent is one live utterance from either side of the call.
type TranscriptEvent struct {
	Role string
	Text string
}

// Config describes the agent endpoint.
type Config struct {
	URL     string
	AgentID string
	Timeout time.Duration
}

// Registry receives the conversation id of each started session.
type Registry interface {
	Add(id string) error
}

// Client dials live agent sessions.
type Client struct {
	cfg      Config
	registry Registry
	logger   *zap.Logger
	dialer   *websocket.Dialer
}

// NewClient builds a live-call client.
func NewClient(cfg Config, registry Registry, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
	}
}

// serverEvent is the envelope of every message from the agent endpoint.
type serverEvent struct {
	Type string `json:"type"`

	ConversationInitiationMetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`
}

// Session is one live agent conversation. Events closes when the connection
// ends.
type Session struct {
	conn           *websocket.Conn
	logger         *zap.Logger
	conversationID string
	events         chan TranscriptEvent

	// writeMu serializes frame writes: the read pump answers pings while the
	// caller sends text, and the connection allows only one writer.
	writeMu sync.Mutex
}

// Start dials the agent, waits for the initiation metadata, records the
// conversation id in the registry and begins pumping transcript events.
func (c *Client) Start(ctx context.Context) (*Session, error) {
	if c.cfg.AgentID == "" {
		return nil, ErrAgentNotConfigured
	}

	endpoint := c.cfg.URL + "?agent_id=" + url.QueryEscape(c.cfg.AgentID)
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	conversationID, err := awaitInitiation(conn, c.cfg.Timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := c.registry.Add(conversationID); err != nil {
		c.logger.Warn("could not record live conversation id",
			zap.String("conversationId", conversationID), zap.Error(err))
	}
	c.logger.Info("live call started", zap.String("conversationId", conversationID))

	session := &Session{
		conn:           conn,
		logger:         c.logger,
		conversationID: conversationID,
		events:         make(chan TranscriptEvent, 16),
	}

	go session.readPump(ctx)
	return session, nil
}

// awaitInitiation reads until the initiation metadata arrives.
func awaitInitiation(conn *websocket.Conn, timeout time.Duration) (string, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("await initiation: %w", err)
		}

		var event serverEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		if event.Type == "conversation_initiation_metadata" &&
			event.ConversationInitiationMetadataEvent != nil &&
			event.ConversationInitiationMetadataEvent.ConversationID != "" {
			return event.ConversationInitiationMetadataEvent.ConversationID, nil
		}
	}
}

// ConversationID returns the id the agent assigned to this session.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Events returns the stream of live transcript events.
func (s *Session) Events() <-chan TranscriptEvent {
	return s.events
}

// writeJSON is the only path that writes data frames to the connection.
func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// SendText forwards a typed user message into the conversation.
func (s *Session) SendText(text string) error {
	payload := map[string]string{
		"type": "user_message",
		"text": text,
	}
	if err := s.writeJSON(payload); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Close shuts the connection down cleanly.
func (s *Session) Close() error {
	deadline := time.Now().Add(time.Second)
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.writeMu.Unlock()
	return s.conn.Close()
}

// deliver hands an event to the consumer without wedging the pump when the
// consumer has stopped draining. Reports false once ctx ends.
func (s *Session) deliver(ctx context.Context, event TranscriptEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// readPump dispatches incoming events until the connection or ctx ends.
func (s *Session) readPump(ctx context.Context) {
	defer close(s.events)
	defer s.conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				s.logger.Warn("live call connection lost", zap.Error(err))
			}
			return
		}

		var event serverEvent
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Debug("unreadable agent event skipped", zap.Error(err))
			continue
		}

		switch event.Type {
		case "ping":
			eventID := 0
			if event.PingEvent != nil {
				eventID = event.PingEvent.EventID
			}
			pong := map[string]any{"type": "pong", "event_id": eventID}
			if err := s.writeJSON(pong); err != nil {
				s.logger.Warn("pong failed", zap.Error(err))
				return
			}
		case "user_transcript":
			if event.UserTranscriptionEvent != nil {
				if !s.deliver(ctx, TranscriptEvent{Role: "user", Text: event.UserTranscriptionEvent.UserTranscript}) {
					return
				}
			}
		case "agent_response":
			if event.AgentResponseEvent != nil {
				if !s.deliver(ctx, TranscriptEvent{Role: "agent", Text: event.AgentResponseEvent.AgentResponse}) {
					return
				}
			}
		}
	}
}
