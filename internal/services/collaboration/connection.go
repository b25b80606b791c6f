package collaboration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"studio-collab/internal/auth"
	"studio-collab/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait = 10 * time.Second
	// closeGrace bounds how long the writer waits for the peer to answer a
	// close frame before dropping the socket.
	closeGrace = time.Second

	// CloseHeartbeatTimeout is sent to connections evicted by the liveness
	// monitor.
	CloseHeartbeatTimeout = 4000
)

/*
Each Connection runs two goroutines:

  readPump  → socket reads, routes messages, runs cleanup when the read fails
  writePump → drains the outbound queue and sends pings; the only goroutine that writes

Nothing outside writePump touches the socket for writing. The liveness
monitor asks for a ping through the pings channel, so a peer that stops
reading stalls its own writer and nothing else.
*/

// Connection is one accepted socket joined to a project.
type Connection struct {
	ID          string
	UserID      string
	DisplayName string
	ProjectID   string
	Color       string

	ws       *websocket.Conn
	send     chan []byte
	pings    chan struct{}
	quit     chan struct{}
	readDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeCode int
	closeText string

	alive         atomic.Bool
	lastHeartbeat atomic.Int64

	presenceLimiter *rate.Limiter

	// Throttled presence messages waiting for the limiter, latest per type.
	pendingMu    sync.Mutex
	pending      map[models.MessageType]json.RawMessage
	pendingTimer *time.Timer

	// doc is set by Registry.Join before the connection becomes visible.
	doc     *ProjectDocument
	cleanup sync.Once
}

func newConnection(ctx context.Context, ws *websocket.Conn, id string, ident auth.Identity, projectID, color string, opts Options) *Connection {
	ctx, cancel := context.WithCancel(ctx)

	limit := rate.Limit(opts.PresenceRateLimit)
	if opts.PresenceRateLimit <= 0 {
		limit = rate.Inf
	}

	c := &Connection{
		ID:              id,
		UserID:          ident.UserID,
		DisplayName:     ident.DisplayName,
		ProjectID:       projectID,
		Color:           color,
		ws:              ws,
		send:            make(chan []byte, opts.SendQueueSize),
		pings:           make(chan struct{}, 1),
		quit:            make(chan struct{}),
		readDone:        make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		presenceLimiter: rate.NewLimiter(limit, opts.PresenceRateBurst),
	}
	c.markAlive()
	return c
}

func (c *Connection) markAlive() {
	c.alive.Store(true)
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat is the last time the peer proved it was alive.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Connection) closed() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// enqueue queues msg without blocking. It fails when the connection is
// closed or its queue is full.
func (c *Connection) enqueue(msg []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close asks the writer to flush the queue, send a close frame with code and
// drop the socket. Only the first call has any effect.
func (c *Connection) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.quit)
	})
}

// requestPing asks the writer to send a WebSocket ping. It never blocks; a
// ping already waiting covers this one. The pong handler marks the
// connection alive.
func (c *Connection) requestPing() {
	select {
	case c.pings <- struct{}{}:
	default:
	}
}

func (c *Connection) clearPending(msgType models.MessageType) {
	c.pendingMu.Lock()
	delete(c.pending, msgType)
	c.pendingMu.Unlock()
}

// stopPending discards throttled presence that has not been flushed yet.
func (c *Connection) stopPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}
	c.pending = nil
}

func (c *Connection) writePump() {
	defer c.ws.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				slog.Debug("write failed", "connection_id", c.ID, "error", err)
				return
			}

		case <-c.pings:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("ping failed", "connection_id", c.ID, "error", err)
				return
			}

		case <-c.quit:
		drain:
			for {
				select {
				case msg := <-c.send:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					break drain
				}
			}

			frame := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			if err := c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait)); err != nil {
				return
			}
			select {
			case <-c.readDone:
			case <-time.After(closeGrace):
			}
			return
		}
	}
}

func (c *Connection) write(msg []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Connection) readPump(s *Service) {
	defer func() {
		close(c.readDone)
		s.disconnect(c, "socket closed")
	}()

	c.ws.SetReadLimit(s.opts.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Info("websocket read error", "connection_id", c.ID, "error", err)
			}
			return
		}

		c.markAlive()
		s.route(c, data)
	}
}
