package collaboration

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"studio-collab/internal/crdt"
	"studio-collab/internal/metrics"
	"studio-collab/internal/middleware"
	"studio-collab/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrShuttingDown is returned by Acquire once Shutdown has started.
var ErrShuttingDown = errors.New("document manager is shutting down")

// persistTimeout bounds a single snapshot write started by a drain timer.
const persistTimeout = 30 * time.Second

// DocumentStore is the persistence the document manager needs. It is
// satisfied by repository.DocumentStoreImpl.
type DocumentStore interface {
	LoadDocument(ctx context.Context, projectID string) (*models.StoredDocument, error)
	AppendUpdate(ctx context.Context, update *models.DocumentUpdate) (uint64, error)
	SaveSnapshot(ctx context.Context, projectID string, state []byte, lastSeq uint64) error
}

type DocumentState int

const (
	StateUnloaded DocumentState = iota
	StateLoading
	StateActive
	StateDraining
)

func (s DocumentState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "unloaded"
	}
}

// Origin tags an update with the connection that sent it so fan-out can
// skip the sender.
type Origin struct {
	ConnectionID string
	UserID       string
}

// ProjectDocument is the resident CRDT document of one project.
type ProjectDocument struct {
	ProjectID string

	store          DocumentStore
	persistUpdates bool

	// mu serializes merge and fan-out so every subscriber sees updates in
	// the order they were applied.
	mu          sync.Mutex
	doc         *crdt.Document
	subscribers map[string]*Connection
	lastSeq     uint64
	version     uint64
	persisted   uint64

	// Guarded by DocumentManager.mu.
	refs     int
	state    DocumentState
	timer    *time.Timer
	drainGen uint64
}

// ApplyUpdate merges update and relays it to every subscriber except the
// origin connection.
func (d *ProjectDocument) ApplyUpdate(ctx context.Context, update []byte, origin Origin) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.doc.Apply(update); err != nil {
		return err
	}
	d.version++

	if d.persistUpdates {
		seq, err := d.store.AppendUpdate(ctx, &models.DocumentUpdate{
			ProjectID:    d.ProjectID,
			Update:       update,
			ConnectionID: origin.ConnectionID,
			UserID:       origin.UserID,
		})
		if err != nil {
			// The next snapshot still covers the update.
			slog.Warn("failed to log document update", "project_id", d.ProjectID, "error", err)
		} else {
			d.lastSeq = seq
		}
	}

	msg := encode(models.MessageDocUpdate, models.DocUpdatePayload{
		Update: base64.StdEncoding.EncodeToString(update),
		Origin: origin.UserID,
	})
	fanOut(d.subscribers, msg, origin.ConnectionID)
	return nil
}

// subscribe registers c for updates and queues its connected
// acknowledgment and initial sync in the same critical section, so no
// update can slip between the snapshot and the subscription.
func (d *ProjectDocument) subscribe(c *Connection) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.subscribers[c.ID] = c
	ok := deliver(c, encode(models.MessageConnected, models.ConnectedPayload{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		DisplayName:  c.DisplayName,
		Color:        c.Color,
		ProjectID:    c.ProjectID,
	}))
	return d.sendSyncLocked(c) && ok
}

func (d *ProjectDocument) unsubscribe(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, connectionID)
}

// SendSync queues a full-state doc:sync for c.
func (d *ProjectDocument) SendSync(c *Connection) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendSyncLocked(c)
}

func (d *ProjectDocument) sendSyncLocked(c *Connection) bool {
	return deliver(c, encode(models.MessageDocSync, models.DocSyncPayload{
		State: base64.StdEncoding.EncodeToString(d.doc.State()),
	}))
}

// State returns the encoded CRDT state.
func (d *ProjectDocument) State() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.State()
}

// DocumentManager owns at most one ProjectDocument per project and moves
// each through Unloaded → Loading → Active → Draining → Unloaded.
type DocumentManager struct {
	store          DocumentStore
	grace          time.Duration
	persistUpdates bool

	loads singleflight.Group

	mu      sync.Mutex
	docs    map[string]*ProjectDocument
	loading map[string]bool
	closed  bool
}

func NewDocumentManager(store DocumentStore, grace time.Duration, persistUpdates bool) *DocumentManager {
	return &DocumentManager{
		store:          store,
		grace:          grace,
		persistUpdates: persistUpdates,
		docs:           make(map[string]*ProjectDocument),
		loading:        make(map[string]bool),
	}
}

// Acquire returns the resident document for projectID, loading it first if
// needed, and takes a reference on it. Concurrent callers share one load.
// A caller whose ctx ends stops waiting, but the load itself runs to
// completion and the document then drains like any other.
func (m *DocumentManager) Acquire(ctx context.Context, projectID string) (*ProjectDocument, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if doc, ok := m.docs[projectID]; ok {
			m.retainLocked(doc)
			m.mu.Unlock()
			return doc, nil
		}
		m.mu.Unlock()

		loadCtx := context.WithoutCancel(ctx)
		ch := m.loads.DoChan(projectID, func() (any, error) {
			return nil, m.load(loadCtx, projectID)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release drops a reference taken by Acquire. The last release starts the
// drain timer.
func (m *DocumentManager) Release(doc *ProjectDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc.refs > 0 {
		doc.refs--
	}
	if doc.refs == 0 && !m.closed && m.docs[doc.ProjectID] == doc {
		m.drainLocked(doc)
	}
}

// State reports the lifecycle state of projectID.
func (m *DocumentManager) State(projectID string) DocumentState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.docs[projectID]; ok {
		return doc.state
	}
	if m.loading[projectID] {
		return StateLoading
	}
	return StateUnloaded
}

// Refs returns the reference count of projectID, or 0 when not resident.
func (m *DocumentManager) Refs(projectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.docs[projectID]; ok {
		return doc.refs
	}
	return 0
}

func (m *DocumentManager) retainLocked(doc *ProjectDocument) {
	doc.refs++
	if doc.timer != nil {
		doc.timer.Stop()
		doc.timer = nil
	}
	doc.drainGen++
	doc.state = StateActive
}

func (m *DocumentManager) drainLocked(doc *ProjectDocument) {
	if doc.timer != nil {
		doc.timer.Stop()
	}
	doc.drainGen++
	gen := doc.drainGen
	doc.state = StateDraining
	doc.timer = time.AfterFunc(m.grace, func() { m.expire(doc, gen) })
}

func (m *DocumentManager) load(ctx context.Context, projectID string) error {
	m.mu.Lock()
	if _, ok := m.docs[projectID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.loading[projectID] = true
	m.mu.Unlock()

	ctx, span := middleware.StartSpan(ctx, "DocumentManager.Load", attribute.String("project.id", projectID))
	defer span.End()

	doc, err := m.fetch(ctx, projectID)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loading, projectID)

	if err != nil {
		metrics.DocumentLoads.WithLabelValues("error").Inc()
		middleware.AddSpanError(ctx, err)
		slog.Error("document load failed", "project_id", projectID, "error", err)
		return err
	}
	if m.closed {
		return ErrShuttingDown
	}

	metrics.DocumentLoads.WithLabelValues("ok").Inc()
	metrics.DocumentsResident.Inc()
	m.docs[projectID] = doc
	// Joiners move it to Active; a load nobody picks up is reclaimed.
	m.drainLocked(doc)
	return nil
}

func (m *DocumentManager) fetch(ctx context.Context, projectID string) (*ProjectDocument, error) {
	start := time.Now()
	stored, err := m.store.LoadDocument(ctx, projectID)
	metrics.LoadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", projectID, err)
	}
	if stored == nil {
		stored = &models.StoredDocument{}
	}

	doc, err := crdt.Load(stored.State)
	if err != nil {
		return nil, fmt.Errorf("failed to restore document %s: %w", projectID, err)
	}
	for i, update := range stored.Updates {
		if err := doc.Apply(update); err != nil {
			slog.Warn("skipping corrupt logged update", "project_id", projectID, "index", i, "error", err)
		}
	}

	pd := &ProjectDocument{
		ProjectID:      projectID,
		store:          m.store,
		persistUpdates: m.persistUpdates,
		doc:            doc,
		subscribers:    make(map[string]*Connection),
		lastSeq:        stored.LastSeq,
	}
	if len(stored.Updates) > 0 {
		// Compact the replayed log on the next persist.
		pd.version = 1
	}
	return pd, nil
}

// expire runs when a drain timer fires. The document is persisted outside
// the lock and evicted only if nobody joined in the meantime.
func (m *DocumentManager) expire(doc *ProjectDocument, gen uint64) {
	m.mu.Lock()
	if m.closed || doc.refs != 0 || doc.drainGen != gen || m.docs[doc.ProjectID] != doc {
		m.mu.Unlock()
		return
	}
	doc.timer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := m.persist(ctx, doc, "unload")
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if doc.refs != 0 || doc.drainGen != gen || m.docs[doc.ProjectID] != doc {
		return
	}
	if err != nil {
		if !m.closed {
			m.drainLocked(doc)
		}
		return
	}

	delete(m.docs, doc.ProjectID)
	doc.state = StateUnloaded
	metrics.DocumentsResident.Dec()
	slog.Info("document unloaded", "project_id", doc.ProjectID)
}

// persist writes a snapshot when the document changed since the last one.
func (m *DocumentManager) persist(ctx context.Context, doc *ProjectDocument, reason string) error {
	doc.mu.Lock()
	version := doc.version
	if version == doc.persisted {
		doc.mu.Unlock()
		return nil
	}
	state := doc.doc.State()
	lastSeq := doc.lastSeq
	doc.mu.Unlock()

	ctx, span := middleware.StartSpan(ctx, "DocumentManager.Persist",
		attribute.String("project.id", doc.ProjectID),
		attribute.String("reason", reason),
	)
	defer span.End()

	if err := m.store.SaveSnapshot(ctx, doc.ProjectID, state, lastSeq); err != nil {
		metrics.DocumentPersists.WithLabelValues(reason, "error").Inc()
		middleware.AddSpanError(ctx, err)
		slog.Error("document persist failed", "project_id", doc.ProjectID, "reason", reason, "error", err)
		return fmt.Errorf("failed to persist document %s: %w", doc.ProjectID, err)
	}
	metrics.DocumentPersists.WithLabelValues(reason, "ok").Inc()

	doc.mu.Lock()
	if version > doc.persisted {
		doc.persisted = version
	}
	doc.mu.Unlock()
	return nil
}

func (m *DocumentManager) resident() []*ProjectDocument {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := make([]*ProjectDocument, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, doc)
	}
	return docs
}

// FlushAll snapshots every resident document that changed.
func (m *DocumentManager) FlushAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(4)
	for _, doc := range m.resident() {
		doc := doc
		g.Go(func() error { return m.persist(ctx, doc, "periodic") })
	}
	return g.Wait()
}

// Shutdown stops accepting acquires, cancels pending drains and persists
// every resident document in parallel before evicting it.
func (m *DocumentManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	docs := make([]*ProjectDocument, 0, len(m.docs))
	for _, doc := range m.docs {
		if doc.timer != nil {
			doc.timer.Stop()
			doc.timer = nil
		}
		docs = append(docs, doc)
	}
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error { return m.persist(ctx, doc, "shutdown") })
	}
	err := g.Wait()

	m.mu.Lock()
	for _, doc := range docs {
		if m.docs[doc.ProjectID] == doc {
			delete(m.docs, doc.ProjectID)
			doc.state = StateUnloaded
			metrics.DocumentsResident.Dec()
		}
	}
	m.mu.Unlock()

	slog.Info("document manager stopped", "persisted", len(docs))
	return err
}
