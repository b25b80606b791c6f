package collaboration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"studio-collab/internal/metrics"
)

// Monitor runs the periodic jobs of the engine: the heartbeat sweep, the
// roster rebroadcast and the snapshot flush.
type Monitor struct {
	svc      *Service
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newMonitor(svc *Service) *Monitor {
	return &Monitor{svc: svc, stop: make(chan struct{})}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()

	if m.svc.opts.SnapshotInterval > 0 {
		m.wg.Add(1)
		go m.runSnapshots()
	}
}

// Stop ends the loops and waits for in-flight jobs to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	opts := m.svc.opts
	heartbeat := time.NewTicker(opts.HeartbeatInterval)
	defer heartbeat.Stop()
	roster := time.NewTicker(opts.RosterInterval)
	defer roster.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-heartbeat.C:
			m.svc.sweep()
		case <-roster.C:
			m.svc.rebroadcastRosters()
		}
	}
}

// runSnapshots persists changed documents on its own ticker so a slow store
// never delays heartbeats.
func (m *Monitor) runSnapshots() {
	defer m.wg.Done()

	interval := m.svc.opts.SnapshotInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := m.svc.docs.FlushAll(ctx); err != nil {
				slog.Warn("periodic snapshot failed", "error", err)
			}
			cancel()
		}
	}
}

// sweep evicts every connection that did not prove liveness since the
// previous sweep and asks the rest for a pong. It never writes to a socket.
func (s *Service) sweep() {
	for _, c := range s.registry.All() {
		if c.alive.Swap(false) {
			c.requestPing()
			continue
		}
		metrics.Evictions.Inc()
		slog.Info("evicting unresponsive connection",
			"connection_id", c.ID, "project_id", c.ProjectID, "user_id", c.UserID,
			"last_heartbeat", c.LastHeartbeat())
		c.Close(CloseHeartbeatTimeout, "heartbeat timeout")
		s.disconnect(c, "heartbeat timeout")
	}
}

func (s *Service) rebroadcastRosters() {
	for _, projectID := range s.registry.Projects() {
		s.registry.BroadcastRoster(projectID, "")
	}
}
