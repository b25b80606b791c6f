package collaboration

import (
	"encoding/json"
	"fmt"
	"testing"

	"studio-collab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCollaboratorDefaults(t *testing.T) {
	p := NewPresenceManager()

	id, color := p.AddCollaborator(projectOne, "user-a", "Avery")
	require.NotEmpty(t, id)
	assert.Equal(t, palette[0], color)

	roster := p.GetCollaborators(projectOne)
	require.Len(t, roster, 1)
	assert.Equal(t, models.Collaborator{
		ConnectionID: id,
		UserID:       "user-a",
		DisplayName:  "Avery",
		Color:        palette[0],
		Cursor:       json.RawMessage("null"),
		Selection:    json.RawMessage("null"),
		Status:       models.StatusOnline,
	}, roster[0])
}

func TestColorsAreDistinctThenRoundRobin(t *testing.T) {
	p := NewPresenceManager()

	seen := map[string]bool{}
	for i := range palette {
		_, color := p.AddCollaborator(projectOne, fmt.Sprintf("user-%d", i), "")
		assert.False(t, seen[color], "color %s handed out twice", color)
		seen[color] = true
	}

	_, first := p.AddCollaborator(projectOne, "extra-1", "")
	_, second := p.AddCollaborator(projectOne, "extra-2", "")
	assert.Equal(t, palette[0], first)
	assert.Equal(t, palette[1], second)

	// Colors are per project.
	_, other := p.AddCollaborator(projectTwo, "user-0", "")
	assert.Equal(t, palette[0], other)
}

func TestFreedColorIsReused(t *testing.T) {
	p := NewPresenceManager()

	a, _ := p.AddCollaborator(projectOne, "user-a", "")
	p.AddCollaborator(projectOne, "user-b", "")
	require.True(t, p.RemoveCollaborator(projectOne, "user-a", a))

	_, color := p.AddCollaborator(projectOne, "user-c", "")
	assert.Equal(t, palette[0], color)
}

func TestUpdatesAreScopedToOneConnection(t *testing.T) {
	p := NewPresenceManager()

	// Same user in two tabs.
	tab1, _ := p.AddCollaborator(projectOne, "user-a", "Avery")
	tab2, _ := p.AddCollaborator(projectOne, "user-a", "Avery")

	require.NoError(t, p.UpdateCursor(projectOne, "user-a", tab1, json.RawMessage(`{"track":2,"beat":4}`)))
	require.NoError(t, p.UpdateSelection(projectOne, "user-a", tab1, json.RawMessage(`{"from":1,"to":3}`)))
	require.NoError(t, p.UpdateStatus(projectOne, "user-a", tab1, models.StatusEditing))

	roster := p.GetCollaborators(projectOne)
	require.Len(t, roster, 2)
	assert.Equal(t, tab1, roster[0].ConnectionID)
	assert.JSONEq(t, `{"track":2,"beat":4}`, string(roster[0].Cursor))
	assert.JSONEq(t, `{"from":1,"to":3}`, string(roster[0].Selection))
	assert.Equal(t, models.StatusEditing, roster[0].Status)

	assert.Equal(t, tab2, roster[1].ConnectionID)
	assert.Equal(t, json.RawMessage("null"), roster[1].Cursor)
	assert.Equal(t, models.StatusOnline, roster[1].Status)
}

func TestNullClearsSelection(t *testing.T) {
	p := NewPresenceManager()
	id, _ := p.AddCollaborator(projectOne, "user-a", "")

	require.NoError(t, p.UpdateSelection(projectOne, "user-a", id, json.RawMessage(`{"from":1}`)))
	require.NoError(t, p.UpdateSelection(projectOne, "user-a", id, json.RawMessage(`null`)))

	assert.Equal(t, json.RawMessage("null"), p.GetCollaborators(projectOne)[0].Selection)
}

func TestUpdateErrors(t *testing.T) {
	p := NewPresenceManager()
	id, _ := p.AddCollaborator(projectOne, "user-a", "")

	assert.ErrorIs(t, p.UpdateStatus(projectOne, "user-a", id, "asleep"), ErrInvalidStatus)
	assert.ErrorIs(t, p.UpdateCursor(projectOne, "user-b", id, nil), ErrCollaboratorNotFound)
	assert.ErrorIs(t, p.UpdateCursor(projectTwo, "user-a", id, nil), ErrCollaboratorNotFound)
	assert.ErrorIs(t, p.UpdateCursor(projectOne, "user-a", "missing", nil), ErrCollaboratorNotFound)
}

func TestRemoveCollaborator(t *testing.T) {
	p := NewPresenceManager()
	a, _ := p.AddCollaborator(projectOne, "user-a", "")
	b, _ := p.AddCollaborator(projectOne, "user-b", "")

	assert.False(t, p.RemoveCollaborator(projectOne, "user-b", a))
	assert.True(t, p.RemoveCollaborator(projectOne, "user-a", a))
	assert.False(t, p.RemoveCollaborator(projectOne, "user-a", a))

	roster := p.GetCollaborators(projectOne)
	require.Len(t, roster, 1)
	assert.Equal(t, b, roster[0].ConnectionID)

	assert.True(t, p.RemoveCollaborator(projectOne, "user-b", b))
	assert.Empty(t, p.GetCollaborators(projectOne))
}
