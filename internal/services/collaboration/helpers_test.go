package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"studio-collab/internal/auth"
	"studio-collab/internal/crdt"
	"studio-collab/internal/models"

	"github.com/stretchr/testify/require"
)

const (
	projectOne = "0b8f3c1e-6a4d-4c1f-9a2b-7d3e5f6a8b90"
	projectTwo = "5a2c9e7d-1b3f-4d6e-8a0c-2e4f6a8b0c1d"
)

// memoryStore keeps snapshots and the update log in memory.
type memoryStore struct {
	mu        sync.Mutex
	snapshots map[string]models.DocumentSnapshot
	log       []models.DocumentUpdate
	seq       uint64
	loads     map[string]int
	saves     int
	loadErr   error
	saveErr   error
	loadGates map[string]chan struct{}
	saveGate  chan struct{}
	saveCalls int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		snapshots: make(map[string]models.DocumentSnapshot),
		loads:     make(map[string]int),
		loadGates: make(map[string]chan struct{}),
	}
}

func (s *memoryStore) LoadDocument(ctx context.Context, projectID string) (*models.StoredDocument, error) {
	s.mu.Lock()
	s.loads[projectID]++
	gate := s.loadGates[projectID]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	doc := &models.StoredDocument{}
	if snap, ok := s.snapshots[projectID]; ok {
		doc.State = snap.State
		doc.LastSeq = snap.LastSeq
	}
	for _, u := range s.log {
		if u.ProjectID == projectID && u.Seq > doc.LastSeq {
			doc.Updates = append(doc.Updates, u.Update)
			doc.LastSeq = u.Seq
		}
	}
	return doc, nil
}

func (s *memoryStore) AppendUpdate(ctx context.Context, update *models.DocumentUpdate) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	update.Seq = s.seq
	s.log = append(s.log, *update)
	return s.seq, nil
}

func (s *memoryStore) SaveSnapshot(ctx context.Context, projectID string, state []byte, lastSeq uint64) error {
	s.mu.Lock()
	s.saveCalls++
	gate := s.saveGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.snapshots[projectID] = models.DocumentSnapshot{ProjectID: projectID, State: state, LastSeq: lastSeq}

	kept := s.log[:0]
	for _, u := range s.log {
		if u.ProjectID != projectID || u.Seq > lastSeq {
			kept = append(kept, u)
		}
	}
	s.log = kept
	return nil
}

func (s *memoryStore) loadCount(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[projectID]
}

func (s *memoryStore) snapshot(projectID string) (models.DocumentSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[projectID]
	return snap, ok
}

func (s *memoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memoryStore) logLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

func (s *memoryStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *memoryStore) setLoadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// setLoadGate blocks loads of projectID until gate is closed.
func (s *memoryStore) setLoadGate(projectID string, gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadGates[projectID] = gate
}

// saveAttempts counts SaveSnapshot calls, including ones still blocked.
func (s *memoryStore) saveAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

// setSaveGate blocks every snapshot write until gate is closed.
func (s *memoryStore) setSaveGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveGate = gate
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	opts.RosterInterval = time.Hour
	opts.SnapshotInterval = 0
	opts.DrainGracePeriod = 100 * time.Millisecond
	opts.PresenceRateLimit = 0
	return opts
}

func newTestService(store DocumentStore) *Service {
	return NewService(testOptions(), nil, nil, store)
}

// join registers a socketless connection the way the handshake does.
func join(t *testing.T, s *Service, projectID, userID, name string) *Connection {
	t.Helper()

	id, color := s.presence.AddCollaborator(projectID, userID, name)
	c := newConnection(context.Background(), nil, id, auth.Identity{UserID: userID, DisplayName: name}, projectID, color, s.opts)
	_, err := s.registry.Join(context.Background(), c)
	require.NoError(t, err)
	return c
}

// drain returns every message queued on c.
func drain(t *testing.T, c *Connection) []models.Envelope {
	t.Helper()

	var out []models.Envelope
	for {
		select {
		case msg := <-c.send:
			var env models.Envelope
			require.NoError(t, json.Unmarshal(msg, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func types(envs []models.Envelope) []models.MessageType {
	out := make([]models.MessageType, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func payloadOf[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func mustUpdate(t *testing.T, entries ...crdt.Entry) []byte {
	t.Helper()
	u, err := crdt.EncodeUpdate(entries...)
	require.NoError(t, err)
	return u
}
