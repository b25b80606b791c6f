package collaboration

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"studio-collab/internal/crdt"
	"studio-collab/internal/metrics"
	"studio-collab/internal/middleware"
	"studio-collab/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// messageHandler processes one inbound message. A returned error is
// reported to the sender; the connection stays open.
type messageHandler func(s *Service, c *Connection, payload json.RawMessage) error

var routes = map[models.MessageType]messageHandler{
	models.MessageDocUpdate:       handleDocUpdate,
	models.MessageCursorUpdate:    handleCursorUpdate,
	models.MessageSelectionUpdate: handleSelectionUpdate,
	models.MessagePresenceUpdate:  handlePresenceUpdate,
	models.MessageSyncRequest:     handleSyncRequest,
	models.MessagePing:            handlePing,
}

// throttledTypes share the connection's presence rate limiter. Messages over
// the limit are coalesced and flushed in this order once the limiter allows.
var throttledTypes = []models.MessageType{
	models.MessageCursorUpdate,
	models.MessageSelectionUpdate,
	models.MessagePresenceUpdate,
}

// protocolError is a handler failure with a client-facing code.
type protocolError struct {
	code string
	err  error
}

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

func (s *Service) route(c *Connection, data []byte) {
	// Frames still buffered after eviction or cleanup are dropped.
	if c.closed() {
		return
	}

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid", "malformed").Inc()
		slog.Debug("ignoring malformed message", "connection_id", c.ID, "error", err)
		return
	}

	handler, ok := routes[env.Type]
	if !ok {
		metrics.MessagesTotal.WithLabelValues("unknown", "ignored").Inc()
		slog.Debug("ignoring unknown message type", "connection_id", c.ID, "type", env.Type)
		return
	}

	if slices.Contains(throttledTypes, env.Type) {
		if !c.presenceLimiter.Allow() {
			metrics.MessagesTotal.WithLabelValues(string(env.Type), "throttled").Inc()
			s.deferPresence(c, env.Type, env.Payload)
			return
		}
		c.clearPending(env.Type)
	}

	s.dispatch(c, env.Type, handler, env.Payload)
}

func (s *Service) dispatch(c *Connection, msgType models.MessageType, handler messageHandler, payload json.RawMessage) {
	ctx, span := middleware.StartSpan(c.ctx, "Collaboration.HandleMessage",
		attribute.String("message.type", string(msgType)),
		attribute.String("connection.id", c.ID),
		attribute.String("project.id", c.ProjectID),
	)
	defer span.End()

	if err := handler(s, c, payload); err != nil {
		middleware.AddSpanError(ctx, err)
		metrics.MessagesTotal.WithLabelValues(string(msgType), "error").Inc()

		code := models.ErrCodeInvalidPayload
		var perr *protocolError
		if errors.As(err, &perr) {
			code = perr.code
		}
		slog.Info("message rejected", "connection_id", c.ID, "type", msgType, "code", code, "error", err)
		deliver(c, encode(models.MessageError, models.ErrorPayload{Code: code, Message: err.Error()}))
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(msgType), "ok").Inc()
}

// deferPresence keeps the latest throttled payload of msgType and arms a
// flush for when the limiter next has a token. Later payloads of the same
// type replace earlier ones, so peers always converge on the final value.
func (s *Service) deferPresence(c *Connection, msgType models.MessageType, payload json.RawMessage) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.pending == nil {
		c.pending = make(map[models.MessageType]json.RawMessage, len(throttledTypes))
	}
	c.pending[msgType] = payload
	if c.pendingTimer != nil {
		return
	}

	r := c.presenceLimiter.Reserve()
	if !r.OK() {
		delete(c.pending, msgType)
		return
	}
	c.pendingTimer = time.AfterFunc(r.Delay(), func() { s.flushPresence(c) })
}

func (s *Service) flushPresence(c *Connection) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingTimer = nil
	c.pendingMu.Unlock()

	for _, msgType := range throttledTypes {
		payload, ok := pending[msgType]
		if !ok || c.closed() {
			continue
		}
		s.dispatch(c, msgType, routes[msgType], payload)
	}
}

func handleDocUpdate(s *Service, c *Connection, payload json.RawMessage) error {
	var p models.DocUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &protocolError{code: models.ErrCodeInvalidPayload, err: err}
	}
	update, err := base64.StdEncoding.DecodeString(p.Update)
	if err != nil || len(update) == 0 {
		return &protocolError{code: models.ErrCodeInvalidUpdate, err: errors.New("update must be non-empty base64")}
	}

	err = c.doc.ApplyUpdate(c.ctx, update, Origin{ConnectionID: c.ID, UserID: c.UserID})
	if errors.Is(err, crdt.ErrInvalidUpdate) {
		return &protocolError{code: models.ErrCodeInvalidUpdate, err: err}
	}
	if err != nil {
		return &protocolError{code: models.ErrCodeUpdateFailed, err: err}
	}
	return nil
}

// Cursor and selection payloads are opaque; the payload itself is the value.
func handleCursorUpdate(s *Service, c *Connection, payload json.RawMessage) error {
	if err := s.presence.UpdateCursor(c.ProjectID, c.UserID, c.ID, payload); err != nil {
		return err
	}
	s.registry.Broadcast(c.ProjectID, encode(models.MessageCursorUpdate, models.PresenceBroadcast{
		UserID:       c.UserID,
		ConnectionID: c.ID,
		Cursor:       orNull(payload),
	}), c.ID)
	return nil
}

func handleSelectionUpdate(s *Service, c *Connection, payload json.RawMessage) error {
	if err := s.presence.UpdateSelection(c.ProjectID, c.UserID, c.ID, payload); err != nil {
		return err
	}
	s.registry.Broadcast(c.ProjectID, encode(models.MessageSelectionUpdate, models.PresenceBroadcast{
		UserID:       c.UserID,
		ConnectionID: c.ID,
		Selection:    orNull(payload),
	}), c.ID)
	return nil
}

func handlePresenceUpdate(s *Service, c *Connection, payload json.RawMessage) error {
	var p models.StatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &protocolError{code: models.ErrCodeInvalidPayload, err: err}
	}
	if err := s.presence.UpdateStatus(c.ProjectID, c.UserID, c.ID, p.Status); err != nil {
		return err
	}
	s.registry.Broadcast(c.ProjectID, encode(models.MessagePresenceUpdate, models.PresenceBroadcast{
		UserID:       c.UserID,
		ConnectionID: c.ID,
		Status:       p.Status,
	}), c.ID)
	return nil
}

func handleSyncRequest(s *Service, c *Connection, _ json.RawMessage) error {
	c.doc.SendSync(c)
	return nil
}

func handlePing(s *Service, c *Connection, _ json.RawMessage) error {
	c.markAlive()
	deliver(c, encode(models.MessagePong, struct{}{}))
	return nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if n := normalizeRaw(raw); n != nil {
		return n
	}
	return json.RawMessage("null")
}
