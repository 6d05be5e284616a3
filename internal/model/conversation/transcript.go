package conversation

// Message is a single turn of a call transcript.
type Message struct {
	Role      string `json:"role"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Metadata carries call-level transcript attributes.
type Metadata struct {
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
	Duration  int64  `json:"duration,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
}

// Transcript is the server-held record of one voice conversation. It is
// read-only from the client's perspective and never persisted locally.
type Transcript struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"transcript"`
	Metadata       *Metadata `json:"metadata,omitempty"`
}

// Detail pairs a locally known conversation id with its fetch outcome.
// A failed fetch leaves Transcript nil and records the error message.
type Detail struct {
	ConversationID string      `json:"conversationId"`
	Transcript     *Transcript `json:"transcript"`
	Err            string      `json:"error,omitempty"`
}
