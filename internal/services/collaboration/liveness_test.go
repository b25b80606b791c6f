package collaboration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"studio-collab/internal/crdt"
	"studio-collab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepQueuesPingWithoutBlocking(t *testing.T) {
	s := newTestService(newMemoryStore())
	a, _ := joinPair(t, s)

	s.sweep()
	assert.Len(t, a.pings, 1)

	// A ping still waiting for the writer absorbs the next request.
	a.markAlive()
	s.sweep()
	assert.Len(t, a.pings, 1)
	assert.False(t, a.closed())
}

func TestStalledPeerDoesNotDelaySweep(t *testing.T) {
	h := newHarness(t, testOptions())

	stalled := h.dial(t, projectOne, "user-a")
	readType(t, stalled, models.MessageConnected)

	var conns []*Connection
	require.Eventually(t, func() bool {
		conns = h.svc.registry.ConnectionsOf(projectOne)
		return len(conns) == 1
	}, 2*time.Second, 10*time.Millisecond)
	c := conns[0]

	// The peer stops reading; fill the socket buffers until the writer blocks.
	big := bytes.Repeat([]byte("x"), 1<<20)
	for n := 0; n < 64; n++ {
		require.True(t, c.enqueue(big))
	}
	time.Sleep(200 * time.Millisecond)
	require.NotEmpty(t, c.send, "writer should be stuck on the stalled peer")

	start := time.Now()
	h.svc.sweep()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, c.closed())

	require.NoError(t, stalled.Close())
}

func TestHeartbeatRunsWhileSnapshotBlocked(t *testing.T) {
	store := newMemoryStore()
	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.SnapshotInterval = 20 * time.Millisecond
	s := NewService(opts, nil, nil, store)

	a := join(t, s, projectOne, "user-a", "Avery")
	require.NoError(t, a.doc.ApplyUpdate(context.Background(), mustUpdate(t, crdt.Set("user-a", 1, "bpm", []byte("96"))), Origin{}))

	gate := make(chan struct{})
	store.setSaveGate(gate)
	s.Start()
	t.Cleanup(func() {
		close(gate)
		s.monitor.Stop()
	})

	require.Eventually(t, func() bool { return store.saveAttempts() > 0 }, time.Second, 5*time.Millisecond)

	// a never answers, so the sweep evicts it while the flush is still stuck.
	require.Eventually(t, a.closed, time.Second, 5*time.Millisecond)
	assert.Equal(t, CloseHeartbeatTimeout, a.closeCode)
	assert.Zero(t, store.saveCount())
}
