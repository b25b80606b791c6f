package models

import (
	"encoding/json"
	"time"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusEditing PresenceStatus = "editing"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusEditing:
		return true
	}
	return false
}

// PresenceState is the ephemeral state of one connection. Cursor and
// Selection are opaque to the server and relayed as-is.
type PresenceState struct {
	ConnectionID string          `json:"connectionId"`
	UserID       string          `json:"userId"`
	DisplayName  string          `json:"displayName"`
	Color        string          `json:"color"`
	Cursor       json.RawMessage `json:"cursor"`
	Selection    json.RawMessage `json:"selection"`
	Status       PresenceStatus  `json:"status"`
	JoinedAt     time.Time       `json:"joinedAt"`
	LastActiveAt time.Time       `json:"lastActiveAt"`
}

// Collaborator is one roster entry.
type Collaborator struct {
	ConnectionID string          `json:"connectionId"`
	UserID       string          `json:"userId"`
	DisplayName  string          `json:"displayName"`
	Color        string          `json:"color"`
	Cursor       json.RawMessage `json:"cursor"`
	Selection    json.RawMessage `json:"selection"`
	Status       PresenceStatus  `json:"status"`
}

// Collaborator projects the state onto a roster entry. Absent cursor and
// selection marshal as null.
func (p *PresenceState) Collaborator() Collaborator {
	return Collaborator{
		ConnectionID: p.ConnectionID,
		UserID:       p.UserID,
		DisplayName:  p.DisplayName,
		Color:        p.Color,
		Cursor:       nullable(p.Cursor),
		Selection:    nullable(p.Selection),
		Status:       p.Status,
	}
}

func nullable(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
