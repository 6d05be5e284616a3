package chat

import "time"

// Session is the persisted handle to a server-side chat thread. It survives
// process restarts on purpose: relaunching the app resumes the same backend
// conversation until the user explicitly starts a new chat.
type Session struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}
