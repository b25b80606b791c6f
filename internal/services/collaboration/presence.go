package collaboration

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"studio-collab/internal/models"

	"github.com/segmentio/ksuid"
)

var (
	ErrCollaboratorNotFound = errors.New("collaborator not found")
	ErrInvalidStatus        = errors.New("invalid presence status")
)

// palette holds the cursor colors handed out to collaborators.
var palette = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFD54F", "#BA68C8",
	"#4DB6AC", "#FF8A65", "#A1887F", "#F06292", "#90A4AE",
}

type presenceEntry struct {
	state models.PresenceState
	order uint64
}

type projectPresence struct {
	entries map[string]*presenceEntry // connection id → entry
	next    int
}

// PresenceManager tracks the ephemeral state of every joined connection.
// Each mutation touches exactly one connection's entry.
type PresenceManager struct {
	mu       sync.RWMutex
	projects map[string]*projectPresence
	seq      uint64
	now      func() time.Time
}

func NewPresenceManager() *PresenceManager {
	return &PresenceManager{
		projects: make(map[string]*projectPresence),
		now:      time.Now,
	}
}

// AddCollaborator registers a new connection for userID and returns its
// generated id and color. The color is the first palette entry not in use in
// the project, or the next one round-robin once the palette is exhausted.
func (p *PresenceManager) AddCollaborator(projectID, userID, displayName string) (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pp, ok := p.projects[projectID]
	if !ok {
		pp = &projectPresence{entries: make(map[string]*presenceEntry)}
		p.projects[projectID] = pp
	}

	color := pp.pickColor()
	connectionID := ksuid.New().String()
	now := p.now()
	p.seq++

	pp.entries[connectionID] = &presenceEntry{
		state: models.PresenceState{
			ConnectionID: connectionID,
			UserID:       userID,
			DisplayName:  displayName,
			Color:        color,
			Status:       models.StatusOnline,
			JoinedAt:     now,
			LastActiveAt: now,
		},
		order: p.seq,
	}

	return connectionID, color
}

func (pp *projectPresence) pickColor() string {
	used := make(map[string]bool, len(pp.entries))
	for _, e := range pp.entries {
		used[e.state.Color] = true
	}
	for _, color := range palette {
		if !used[color] {
			return color
		}
	}
	color := palette[pp.next%len(palette)]
	pp.next++
	return color
}

// UpdateCursor replaces the cursor of one connection. A JSON null clears it.
func (p *PresenceManager) UpdateCursor(projectID, userID, connectionID string, cursor json.RawMessage) error {
	return p.update(projectID, userID, connectionID, func(s *models.PresenceState) error {
		s.Cursor = normalizeRaw(cursor)
		return nil
	})
}

// UpdateSelection replaces the selection of one connection. A JSON null
// clears it.
func (p *PresenceManager) UpdateSelection(projectID, userID, connectionID string, selection json.RawMessage) error {
	return p.update(projectID, userID, connectionID, func(s *models.PresenceState) error {
		s.Selection = normalizeRaw(selection)
		return nil
	})
}

func (p *PresenceManager) UpdateStatus(projectID, userID, connectionID string, status models.PresenceStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	return p.update(projectID, userID, connectionID, func(s *models.PresenceState) error {
		s.Status = status
		return nil
	})
}

func (p *PresenceManager) update(projectID, userID, connectionID string, fn func(*models.PresenceState) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.lookup(projectID, userID, connectionID)
	if err != nil {
		return err
	}
	if err := fn(&entry.state); err != nil {
		return err
	}
	entry.state.LastActiveAt = p.now()
	return nil
}

func (p *PresenceManager) lookup(projectID, userID, connectionID string) (*presenceEntry, error) {
	pp, ok := p.projects[projectID]
	if !ok {
		return nil, ErrCollaboratorNotFound
	}
	entry, ok := pp.entries[connectionID]
	if !ok || entry.state.UserID != userID {
		return nil, ErrCollaboratorNotFound
	}
	return entry, nil
}

// GetCollaborators returns the roster of projectID in join order.
func (p *PresenceManager) GetCollaborators(projectID string) []models.Collaborator {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pp, ok := p.projects[projectID]
	if !ok {
		return []models.Collaborator{}
	}

	entries := make([]*presenceEntry, 0, len(pp.entries))
	for _, e := range pp.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	roster := make([]models.Collaborator, 0, len(entries))
	for _, e := range entries {
		roster = append(roster, e.state.Collaborator())
	}
	return roster
}

// RemoveCollaborator drops one connection's state and reports whether it
// existed.
func (p *PresenceManager) RemoveCollaborator(projectID, userID, connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.lookup(projectID, userID, connectionID); err != nil {
		return false
	}

	pp := p.projects[projectID]
	delete(pp.entries, connectionID)
	if len(pp.entries) == 0 {
		delete(p.projects, projectID)
	}
	return true
}

func normalizeRaw(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}
