// Package chat validates client chat content and defines the requests the
// hub forwards to the assistant over NATS.
package chat

// Request is published on assistant.chat for every accepted chat_message.
// The assistant answers on assistant.reply with the same RequestID.
type Request struct {
	RequestID    string         `json:"request_id"`
	ConnectionID string         `json:"connection_id"` // originating socket
	UserID       string         `json:"user_id"`
	ProjectID    string         `json:"project_id"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Ts           int64          `json:"ts"` // unix millis at receipt
}

// Command is published on assistant.command for client commands the hub
// does not answer itself.
type Command struct {
	RequestID string         `json:"request_id"`
	UserID    string         `json:"user_id"`
	ProjectID string         `json:"project_id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Ts        int64          `json:"ts"`
}
