package collaboration

import (
	"context"
	"sort"
	"sync"

	"studio-collab/internal/metrics"
	"studio-collab/internal/models"
)

// Registry is the arena of live connections, keyed by project. All
// membership changes go through Join and Leave.
//
// Lock order is Registry.mu before PresenceManager.mu.
type Registry struct {
	docs     *DocumentManager
	presence *PresenceManager

	mu    sync.RWMutex
	rooms map[string]map[string]*Connection
}

func NewRegistry(docs *DocumentManager, presence *PresenceManager) *Registry {
	return &Registry{
		docs:     docs,
		presence: presence,
		rooms:    make(map[string]map[string]*Connection),
	}
}

// Join acquires the project document for c, subscribes c to it and adds c
// to its project. c receives connected, doc:sync and awareness:update in
// that order. The caller must have added c's presence beforehand.
func (r *Registry) Join(ctx context.Context, c *Connection) (*ProjectDocument, error) {
	doc, err := r.docs.Acquire(ctx, c.ProjectID)
	if err != nil {
		return nil, err
	}
	doc.subscribe(c)

	r.mu.Lock()
	c.doc = doc
	room, ok := r.rooms[c.ProjectID]
	if !ok {
		room = make(map[string]*Connection)
		r.rooms[c.ProjectID] = room
	}
	room[c.ID] = c
	deliver(c, encode(models.MessageAwarenessUpdate, models.AwarenessPayload{
		Collaborators: r.rosterLocked(c.ProjectID),
	}))
	r.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	return doc, nil
}

// Leave removes c from its project and releases its document reference.
// It reports false when c was not joined, so repeated calls are no-ops.
func (r *Registry) Leave(c *Connection) bool {
	r.mu.Lock()
	room := r.rooms[c.ProjectID]
	if room == nil || room[c.ID] != c {
		r.mu.Unlock()
		return false
	}
	delete(room, c.ID)
	if len(room) == 0 {
		delete(r.rooms, c.ProjectID)
	}
	doc := c.doc
	r.mu.Unlock()

	doc.unsubscribe(c.ID)
	r.docs.Release(doc)
	metrics.ConnectionsActive.Dec()
	return true
}

// ConnectionsOf returns the connections joined to projectID.
func (r *Registry) ConnectionsOf(projectID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[projectID]
	conns := make([]*Connection, 0, len(room))
	for _, c := range room {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast delivers msg to every connection of projectID except
// excludeID and returns the number of connections that accepted it.
func (r *Registry) Broadcast(projectID string, msg []byte, excludeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fanOut(r.rooms[projectID], msg, excludeID)
}

// BroadcastAll delivers msg to every connection of every project.
func (r *Registry) BroadcastAll(msg []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for _, room := range r.rooms {
		sent += fanOut(room, msg, "")
	}
	return sent
}

// BroadcastRoster sends the current roster of projectID as an
// awareness:update. The roster is computed and sent under one lock so it
// always matches membership at that instant.
func (r *Registry) BroadcastRoster(projectID, excludeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[projectID]
	if len(room) == 0 {
		return 0
	}
	msg := encode(models.MessageAwarenessUpdate, models.AwarenessPayload{
		Collaborators: r.rosterLocked(projectID),
	})
	return fanOut(room, msg, excludeID)
}

// Projects returns the ids of projects with at least one connection.
func (r *Registry) Projects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every joined connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, room := range r.rooms {
		for _, c := range room {
			conns = append(conns, c)
		}
	}
	return conns
}

// Roster returns the presence of every connection joined to projectID.
func (r *Registry) Roster(projectID string) []models.Collaborator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked(projectID)
}

// rosterLocked keeps only presence entries whose connection is joined.
// Presence is added before Join and removed after Leave, so every joined
// connection has an entry.
func (r *Registry) rosterLocked(projectID string) []models.Collaborator {
	room := r.rooms[projectID]
	all := r.presence.GetCollaborators(projectID)

	roster := make([]models.Collaborator, 0, len(room))
	for _, collab := range all {
		if _, ok := room[collab.ConnectionID]; ok {
			roster = append(roster, collab)
		}
	}
	return roster
}
