package collaboration

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"studio-collab/internal/auth"
	"studio-collab/internal/crdt"
	"studio-collab/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testIssuer = "studio"
)

type userDirectory map[string]string

func (u userDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	name, ok := u[userID]
	if !ok {
		return "", errors.New("user not found")
	}
	return name, nil
}

// projectMembers maps a project to the users allowed into it.
type projectMembers map[string][]string

func (m projectMembers) CanAccess(_ context.Context, userID, projectID string) bool {
	for _, id := range m[projectID] {
		if id == userID {
			return true
		}
	}
	return false
}

type harness struct {
	svc    *Service
	store  *memoryStore
	server *httptest.Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	store := newMemoryStore()
	users := userDirectory{"user-a": "Avery", "user-b": "Blake", "user-c": "Casey"}
	members := projectMembers{projectOne: {"user-a", "user-b"}, projectTwo: {"user-c"}}
	authn := auth.NewAuthenticator(auth.NewTokenVerifier(testSecret, testIssuer), nil, users, "sid", "token")

	svc := NewService(opts, authn, members, store)
	svc.Start()

	router := mux.NewRouter()
	router.HandleFunc("/ws/projects/{projectId}", svc.ServeWS)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		server.Close()
	})
	return &harness{svc: svc, store: store, server: server}
}

func (h *harness) url(projectID, token string) string {
	u := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/projects/" + projectID
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (h *harness) dial(t *testing.T, projectID, userID string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(h.url(projectID, tokenFor(t, userID)), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueAccessToken(testSecret, testIssuer, userID, "", time.Hour)
	require.NoError(t, err)
	return token
}

func read(t *testing.T, ws *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env models.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func readType(t *testing.T, ws *websocket.Conn, want models.MessageType) models.Envelope {
	t.Helper()
	env := read(t, ws)
	require.Equal(t, want, env.Type)
	return env
}

func send(t *testing.T, ws *websocket.Conn, msgType models.MessageType, payload any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(models.Outbound{Type: msgType, Payload: payload}))
}

// readCloseCode reads until the server's close frame arrives.
func readCloseCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t, testOptions())

	tests := []struct {
		name   string
		url    string
		status int
	}{
		{"malformed project id", h.url("not-a-uuid", tokenFor(t, "user-a")), http.StatusBadRequest},
		{"no credentials", h.url(projectOne, ""), http.StatusUnauthorized},
		{"bad token", h.url(projectOne, "garbage"), http.StatusUnauthorized},
		{"unknown user", h.url(projectOne, tokenFor(t, "user-z")), http.StatusUnauthorized},
		{"not a collaborator", h.url(projectOne, tokenFor(t, "user-c")), http.StatusForbidden},
		{"other project", h.url(projectTwo, tokenFor(t, "user-a")), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}

	assert.Zero(t, h.store.loadCount(projectOne), "rejected handshakes never load the document")
}

func TestTwoCollaboratorsEditAndLeave(t *testing.T) {
	h := newHarness(t, testOptions())

	a := h.dial(t, projectOne, "user-a")
	connected := payloadOf[models.ConnectedPayload](t, readType(t, a, models.MessageConnected))
	assert.Equal(t, "Avery", connected.DisplayName)
	readType(t, a, models.MessageDocSync)
	roster := payloadOf[models.AwarenessPayload](t, readType(t, a, models.MessageAwarenessUpdate))
	require.Len(t, roster.Collaborators, 1)

	b := h.dial(t, projectOne, "user-b")
	readType(t, b, models.MessageConnected)
	readType(t, b, models.MessageDocSync)
	roster = payloadOf[models.AwarenessPayload](t, readType(t, b, models.MessageAwarenessUpdate))
	require.Len(t, roster.Collaborators, 2)

	joined := payloadOf[models.CollaboratorPayload](t, readType(t, a, models.MessageCollaboratorJoined))
	assert.Equal(t, "user-b", joined.UserID)
	assert.Equal(t, "Blake", joined.DisplayName)
	roster = payloadOf[models.AwarenessPayload](t, readType(t, a, models.MessageAwarenessUpdate))
	require.Len(t, roster.Collaborators, 2)

	update := mustUpdate(t, crdt.Set("user-a", 1, "track/1/name", []byte("Bass")))
	send(t, a, models.MessageDocUpdate, models.DocUpdatePayload{Update: base64.StdEncoding.EncodeToString(update)})

	relayed := payloadOf[models.DocUpdatePayload](t, readType(t, b, models.MessageDocUpdate))
	assert.Equal(t, "user-a", relayed.Origin)

	// The queue is ordered, so a pong arriving next proves the update was
	// not echoed back.
	send(t, a, models.MessagePing, nil)
	readType(t, a, models.MessagePong)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	left := payloadOf[models.CollaboratorPayload](t, readType(t, a, models.MessageCollaboratorLeft))
	assert.Equal(t, "user-b", left.UserID)
	roster = payloadOf[models.AwarenessPayload](t, readType(t, a, models.MessageAwarenessUpdate))
	require.Len(t, roster.Collaborators, 1)
	assert.Equal(t, "user-a", roster.Collaborators[0].UserID)

	require.NoError(t, a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		return h.svc.docs.State(projectOne) == StateUnloaded
	}, 3*time.Second, 10*time.Millisecond)

	_, ok := h.store.snapshot(projectOne)
	require.True(t, ok)

	again := h.dial(t, projectOne, "user-a")
	readType(t, again, models.MessageConnected)
	state, err := base64.StdEncoding.DecodeString(payloadOf[models.DocSyncPayload](t, readType(t, again, models.MessageDocSync)).State)
	require.NoError(t, err)
	replica, err := crdt.Load(state)
	require.NoError(t, err)
	v, ok := replica.Get("track/1/name")
	require.True(t, ok)
	assert.Equal(t, "Bass", string(v))
	assert.Equal(t, 2, h.store.loadCount(projectOne))
}

func TestLoadFailureClosesConnection(t *testing.T) {
	h := newHarness(t, testOptions())
	h.store.setLoadErr(errors.New("database unavailable"))

	a := h.dial(t, projectOne, "user-a")
	env := readType(t, a, models.MessageError)
	assert.Equal(t, models.ErrCodeDocumentLoadFailed, payloadOf[models.ErrorPayload](t, env).Code)
	assert.Equal(t, websocket.CloseInternalServerErr, readCloseCode(t, a))

	assert.Empty(t, h.svc.Roster(projectOne))
	assert.Equal(t, StateUnloaded, h.svc.docs.State(projectOne))
}

func TestShutdownNotifiesAndPersists(t *testing.T) {
	h := newHarness(t, testOptions())

	a := h.dial(t, projectOne, "user-a")
	readType(t, a, models.MessageConnected)
	readType(t, a, models.MessageDocSync)
	readType(t, a, models.MessageAwarenessUpdate)

	update := mustUpdate(t, crdt.Set("user-a", 1, "bpm", []byte("140")))
	send(t, a, models.MessageDocUpdate, models.DocUpdatePayload{Update: base64.StdEncoding.EncodeToString(update)})
	send(t, a, models.MessagePing, nil)
	readType(t, a, models.MessagePong)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- h.svc.Shutdown(ctx)
	}()

	readType(t, a, models.MessageServerShutdown)
	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, a))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	snap, ok := h.store.snapshot(projectOne)
	require.True(t, ok)
	replica, err := crdt.Load(snap.State)
	require.NoError(t, err)
	v, _ := replica.Get("bpm")
	assert.Equal(t, "140", string(v))

	_, resp, err := websocket.DefaultDialer.Dial(h.url(projectOne, tokenFor(t, "user-a")), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHeartbeatEvictsSilentPeer(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 100 * time.Millisecond
	h := newHarness(t, opts)

	// This peer never reads, so it never answers pings.
	h.dial(t, projectOne, "user-a")

	b := h.dial(t, projectOne, "user-b")
	received := make(chan models.Envelope, 64)
	go func() {
		defer close(received)
		for {
			var env models.Envelope
			if err := b.ReadJSON(&env); err != nil {
				return
			}
			received <- env
		}
	}()

	leftCount := 0
	deadline := time.After(3 * time.Second)
	settle := time.After(time.Hour)
	for {
		select {
		case env, ok := <-received:
			require.True(t, ok, "active peer was disconnected")
			if env.Type != models.MessageCollaboratorLeft {
				continue
			}
			leftCount++
			assert.Equal(t, "user-a", payloadOf[models.CollaboratorPayload](t, env).UserID)
			// Keep listening for a few more sweeps to catch duplicates.
			settle = time.After(5 * opts.HeartbeatInterval)
		case <-settle:
			assert.Equal(t, 1, leftCount)
			roster := h.svc.Roster(projectOne)
			require.Len(t, roster, 1)
			assert.Equal(t, "user-b", roster[0].UserID)
			return
		case <-deadline:
			t.Fatalf("silent peer was not evicted, saw %d leave notices", leftCount)
		}
	}
}

func TestPresenceRelayedOverSocket(t *testing.T) {
	h := newHarness(t, testOptions())

	a := h.dial(t, projectOne, "user-a")
	for n := 0; n < 3; n++ {
		read(t, a)
	}
	b := h.dial(t, projectOne, "user-b")
	for n := 0; n < 3; n++ {
		read(t, b)
	}
	readType(t, a, models.MessageCollaboratorJoined)
	readType(t, a, models.MessageAwarenessUpdate)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"cursor:update","payload":{"track":1,"beat":8}}`)))
	cursor := payloadOf[models.PresenceBroadcast](t, readType(t, b, models.MessageCursorUpdate))
	assert.Equal(t, "user-a", cursor.UserID)
	assert.JSONEq(t, `{"track":1,"beat":8}`, string(cursor.Cursor))

	send(t, a, models.MessagePresenceUpdate, models.StatusPayload{Status: models.StatusEditing})
	status := payloadOf[models.PresenceBroadcast](t, readType(t, b, models.MessagePresenceUpdate))
	assert.Equal(t, models.StatusEditing, status.Status)

	roster := h.svc.Roster(projectOne)
	require.Len(t, roster, 2)
	assert.Equal(t, models.StatusEditing, roster[0].Status)
}

func TestSlowLoadDoesNotBlockOtherProjects(t *testing.T) {
	h := newHarness(t, testOptions())

	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)
	h.store.setLoadGate(projectOne, gate)

	a := h.dial(t, projectOne, "user-a")
	require.Eventually(t, func() bool { return h.store.loadCount(projectOne) == 1 }, 2*time.Second, 5*time.Millisecond)

	c := h.dial(t, projectTwo, "user-c")
	readType(t, c, models.MessageConnected)
	readType(t, c, models.MessageDocSync)
	readType(t, c, models.MessageAwarenessUpdate)

	update := mustUpdate(t, crdt.Set("user-c", 1, "tempo", []byte("110")))
	send(t, c, models.MessageDocUpdate, models.DocUpdatePayload{Update: base64.StdEncoding.EncodeToString(update)})
	send(t, c, models.MessagePing, nil)
	readType(t, c, models.MessagePong)

	conns := h.svc.registry.ConnectionsOf(projectTwo)
	require.Len(t, conns, 1)
	assert.Equal(t, "110", valueOf(t, conns[0].doc, "tempo"))
	assert.Equal(t, StateActive, h.svc.docs.State(projectTwo))
	assert.Equal(t, StateLoading, h.svc.docs.State(projectOne))

	release()
	readType(t, a, models.MessageConnected)
	readType(t, a, models.MessageDocSync)
}
