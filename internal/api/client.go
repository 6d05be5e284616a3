// Package api is the JSON HTTP client for the DoorwAI backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/doorwai/doorwai-client/internal/model/auth"
	"github.com/doorwai/doorwai-client/internal/model/conversation"
)

// Client issues JSON requests against the configured backend base URL.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a backend client. baseURL must not end with a slash.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// doJSON performs one request/response cycle. A non-2xx status becomes a
// *BackendError; a 2xx response with an unparseable body is treated as an
// empty object and leaves out untouched.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			c.logger.Debug("unparseable response body treated as empty",
				zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

// AddUserResponse is the register-or-fetch-user result.
type AddUserResponse struct {
	Success     bool              `json:"success"`
	IsNewUser   bool              `json:"isNewUser"`
	Profile     auth.UserProfile  `json:"profile"`
	ProfileData *auth.ProfileData `json:"profileData,omitempty"`
}

// AddUser registers the user with the backend or fetches the existing record.
// The call is idempotent per uid.
func (c *Client) AddUser(ctx context.Context, profile auth.UserProfile) (*AddUserResponse, error) {
	var out AddUserResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/add_user", profile, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProfile fetches the profile record for userID. A 404 means the profile
// has not been created server-side yet and is not an error.
func (c *Client) GetProfile(ctx context.Context, userID string) (*auth.ProfileData, error) {
	var out struct {
		Success     bool              `json:"success"`
		ProfileData *auth.ProfileData `json:"profileData"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/profile/"+url.PathEscape(userID), nil, &out)
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) && be.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out.ProfileData, nil
}

// UpdateProfile sends a partial patch and returns the server's merged record.
func (c *Client) UpdateProfile(ctx context.Context, userID string, patch auth.Patch) (*auth.ProfileData, error) {
	payload := map[string]any{
		"userId":      userID,
		"profileData": patch,
	}
	var out struct {
		Success     bool              `json:"success"`
		Message     string            `json:"message"`
		ProfileData *auth.ProfileData `json:"profileData"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/profile", payload, &out); err != nil {
		return nil, err
	}
	return out.ProfileData, nil
}

// CallResponse is the call-initiation result.
type CallResponse struct {
	Success        bool   `json:"success"`
	CallID         string `json:"callId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	To             string `json:"to,omitempty"`
}

// InitiateCall asks the backend to place an outbound voice call.
func (c *Client) InitiateCall(ctx context.Context, phoneNumber, deviceID string) (*CallResponse, error) {
	payload := map[string]string{"phoneNumber": phoneNumber}
	if deviceID != "" {
		payload["deviceId"] = deviceID
	}
	var out CallResponse
	if err := c.doJSON(ctx, http.MethodPost, "/call", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTranscript fetches the transcript for one conversation.
func (c *Client) GetTranscript(ctx context.Context, conversationID string) (*conversation.Transcript, error) {
	var out conversation.Transcript
	path := "/conversation/" + url.PathEscape(conversationID) + "/transcript"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAllConversations returns the backend's full conversation list. The
// shape is implementation-defined, so the raw JSON is handed back.
func (c *Client) ListAllConversations(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConversationSummary is one entry of a user's server-side conversation list.
type ConversationSummary struct {
	ConversationID string `json:"conversationId"`
}

// ListUserConversations returns the conversations the backend attributes to
// userID.
func (c *Client) ListUserConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	var out struct {
		Conversations []ConversationSummary `json:"conversations"`
	}
	path := "/conversations/user/" + url.PathEscape(userID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// SaveConversation records the conversation/user association server-side.
// This is an advisory call: callers treat failures as bookkeeping noise.
func (c *Client) SaveConversation(ctx context.Context, conversationID, userID string) error {
	payload := map[string]string{
		"conversationId": conversationID,
		"userId":         userID,
	}
	return c.doJSON(ctx, http.MethodPost, "/conversations/save", payload, nil)
}

// DeleteConversation requests server-side deletion of a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	var payload any
	if userID != "" {
		payload = map[string]string{"userId": userID}
	}
	path := "/conversations/" + url.PathEscape(conversationID)
	return c.doJSON(ctx, http.MethodDelete, path, payload, nil)
}

// ChatSessionResponse is the created chat session handle.
type ChatSessionResponse struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// CreateChatSession opens a new server-side chat thread.
func (c *Client) CreateChatSession(ctx context.Context, userID string) (*ChatSessionResponse, error) {
	var payload any
	if userID != "" {
		payload = map[string]string{"userId": userID}
	}
	var out ChatSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat/session", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendChatMessage posts one message to an existing chat session and returns
// the assistant's reply text.
func (c *Client) SendChatMessage(ctx context.Context, userID, sessionID, message string) (string, error) {
	payload := map[string]string{
		"userId":    userID,
		"sessionId": sessionID,
		"message":   message,
	}
	var out struct {
		Reply string `json:"reply"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/message", payload, &out); err != nil {
		return "", err
	}
	return out.Reply, nil
}
