package models

import "encoding/json"

// MessageType names a collaboration protocol message.
type MessageType string

// Client → server.
const (
	MessageDocUpdate       MessageType = "doc:update"
	MessageCursorUpdate    MessageType = "cursor:update"
	MessageSelectionUpdate MessageType = "selection:update"
	MessagePresenceUpdate  MessageType = "presence:update"
	MessageSyncRequest     MessageType = "sync:request"
	MessagePing            MessageType = "ping"
)

// Server → client.
const (
	MessageConnected          MessageType = "connected"
	MessageDocSync            MessageType = "doc:sync"
	MessageAwarenessUpdate    MessageType = "awareness:update"
	MessageCollaboratorJoined MessageType = "collaborator:joined"
	MessageCollaboratorLeft   MessageType = "collaborator:left"
	MessagePong               MessageType = "pong"
	MessageServerShutdown     MessageType = "server:shutdown"
	MessageError              MessageType = "error"
)

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a message before serialization.
type Outbound struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

type DocUpdatePayload struct {
	Update string `json:"update"`
	Origin string `json:"origin,omitempty"`
}

type StatusPayload struct {
	Status PresenceStatus `json:"status"`
}

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	Color        string `json:"color"`
	ProjectID    string `json:"projectId"`
}

type DocSyncPayload struct {
	State string `json:"state"`
}

type AwarenessPayload struct {
	Collaborators []Collaborator `json:"collaborators"`
}

type CollaboratorPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
}

// PresenceBroadcast relays one connection's presence change to its peers.
type PresenceBroadcast struct {
	UserID       string          `json:"userId"`
	ConnectionID string          `json:"connectionId"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
	Selection    json.RawMessage `json:"selection,omitempty"`
	Status       PresenceStatus  `json:"status,omitempty"`
}

type ShutdownPayload struct {
	Message string `json:"message"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by MessageError.
const (
	ErrCodeDocumentLoadFailed = "DOCUMENT_LOAD_FAILED"
	ErrCodeInvalidUpdate      = "INVALID_UPDATE"
	ErrCodeUpdateFailed       = "UPDATE_FAILED"
	ErrCodeInvalidPayload     = "INVALID_PAYLOAD"
)
