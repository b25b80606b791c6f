package collaboration

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"studio-collab/internal/auth"
	"studio-collab/internal/config"
	"studio-collab/internal/models"

	"github.com/gorilla/websocket"
)

// Authenticator resolves an upgrade request to a user.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// AccessGuard authorizes a user for a project.
type AccessGuard interface {
	CanAccess(ctx context.Context, userID, projectID string) bool
}

// Options tune the engine. Zero values fall back to DefaultOptions.
type Options struct {
	HeartbeatInterval time.Duration
	RosterInterval    time.Duration
	DrainGracePeriod  time.Duration
	SnapshotInterval  time.Duration
	SendQueueSize     int
	MaxMessageBytes   int64
	PresenceRateLimit float64
	PresenceRateBurst int
	PersistUpdates    bool
	AllowedOrigins    []string
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		RosterInterval:    5 * time.Second,
		DrainGracePeriod:  60 * time.Second,
		SnapshotInterval:  5 * time.Minute,
		SendQueueSize:     256,
		MaxMessageBytes:   1 << 20,
		PresenceRateLimit: 30,
		PresenceRateBurst: 60,
		PersistUpdates:    true,
		AllowedOrigins:    []string{"*"},
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		RosterInterval:    cfg.RosterInterval,
		DrainGracePeriod:  cfg.DrainGracePeriod,
		SnapshotInterval:  cfg.SnapshotInterval,
		SendQueueSize:     cfg.SendQueueSize,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		PresenceRateLimit: cfg.PresenceRateLimit,
		PresenceRateBurst: cfg.PresenceRateBurst,
		PersistUpdates:    cfg.PersistUpdates,
		AllowedOrigins:    cfg.AllowedOrigins,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.RosterInterval <= 0 {
		o.RosterInterval = d.RosterInterval
	}
	if o.DrainGracePeriod <= 0 {
		o.DrainGracePeriod = d.DrainGracePeriod
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = d.SendQueueSize
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	if o.PresenceRateBurst <= 0 {
		o.PresenceRateBurst = d.PresenceRateBurst
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = d.AllowedOrigins
	}
	return o
}

// Service is the collaboration session engine. One instance is built at
// startup and shared by every handler.
type Service struct {
	opts     Options
	auth     Authenticator
	guard    AccessGuard
	docs     *DocumentManager
	presence *PresenceManager
	registry *Registry
	monitor  *Monitor
	upgrader websocket.Upgrader

	closing atomic.Bool
	pumps   sync.WaitGroup
}

func NewService(opts Options, authn Authenticator, guard AccessGuard, store DocumentStore) *Service {
	opts = opts.withDefaults()

	docs := NewDocumentManager(store, opts.DrainGracePeriod, opts.PersistUpdates)
	presence := NewPresenceManager()

	s := &Service{
		opts:     opts,
		auth:     authn,
		guard:    guard,
		docs:     docs,
		presence: presence,
		registry: NewRegistry(docs, presence),
	}
	s.monitor = newMonitor(s)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// Start launches the liveness monitor.
func (s *Service) Start() {
	s.monitor.Start()
	slog.Info("collaboration engine started",
		"heartbeat", s.opts.HeartbeatInterval, "drain_grace", s.opts.DrainGracePeriod)
}

// Roster returns the collaborators currently joined to projectID.
func (s *Service) Roster(projectID string) []models.Collaborator {
	return s.registry.Roster(projectID)
}

// Authorize authenticates r and checks access to projectID. It is shared by
// the socket handshake and the REST roster endpoint.
func (s *Service) Authorize(r *http.Request, projectID string) (auth.Identity, int) {
	ident, err := s.auth.Authenticate(r)
	if err != nil {
		return auth.Identity{}, http.StatusUnauthorized
	}
	if !s.guard.CanAccess(r.Context(), ident.UserID, projectID) {
		return ident, http.StatusForbidden
	}
	return ident, http.StatusOK
}

// disconnect is the single cleanup path for a connection, whatever ended
// it. It runs at most once per connection.
func (s *Service) disconnect(c *Connection, reason string) {
	c.cleanup.Do(func() {
		c.Close(websocket.CloseNormalClosure, "")
		c.cancel()
		c.stopPending()

		left := s.registry.Leave(c)
		s.presence.RemoveCollaborator(c.ProjectID, c.UserID, c.ID)
		if left {
			s.registry.Broadcast(c.ProjectID, encode(models.MessageCollaboratorLeft, models.CollaboratorPayload{
				UserID:      c.UserID,
				DisplayName: c.DisplayName,
			}), "")
			s.registry.BroadcastRoster(c.ProjectID, "")
		}

		slog.Info("connection closed",
			"connection_id", c.ID, "project_id", c.ProjectID, "user_id", c.UserID, "reason", reason)
	})
}

// Shutdown tells every client the server is going away, closes every socket
// with 1001 and then persists and unloads every resident document.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("shutting down collaboration engine")

	s.monitor.Stop()

	s.registry.BroadcastAll(encode(models.MessageServerShutdown, models.ShutdownPayload{
		Message: "server is shutting down",
	}))
	for _, c := range s.registry.All() {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("timed out waiting for connections to close")
	}

	return s.docs.Shutdown(ctx)
}
