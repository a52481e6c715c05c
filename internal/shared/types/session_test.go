package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	kept := 3
	paused := time.Now()
	original := &SessionRecord{
		SessionID:       "sess_01ABC",
		Version:         SchemaVersion,
		UserPreferences: map[string]interface{}{"haptics": true},
		Progress: ProgressState{
			CategoriesCompleted: []string{"2024-01"},
			CategoryMemory: map[string]CategoryProgress{
				"2024-02": {CompletedPhotos: 5, KeptCount: &kept},
			},
			NavigationHistory: []NavigationEntry{
				{RouteName: "swipe", Params: map[string]interface{}{"index": 4}},
			},
		},
		UndoState: UndoState{
			UndoStack: []UndoableAction{
				{ID: "undo_01", Payload: map[string]interface{}{"photo": "p1"}},
			},
		},
		Lifecycle: LifecycleState{PausedAt: &paused},
	}

	clone := original.Clone()
	require.NotSame(t, original, clone)

	clone.UserPreferences["haptics"] = false
	clone.Progress.CategoriesCompleted[0] = "changed"
	cp := clone.Progress.CategoryMemory["2024-02"]
	*cp.KeptCount = 99
	clone.Progress.NavigationHistory[0].Params["index"] = 0
	clone.UndoState.UndoStack[0].Payload["photo"] = "p2"
	*clone.Lifecycle.PausedAt = time.Time{}

	assert.Equal(t, true, original.UserPreferences["haptics"])
	assert.Equal(t, "2024-01", original.Progress.CategoriesCompleted[0])
	assert.Equal(t, 3, *original.Progress.CategoryMemory["2024-02"].KeptCount)
	assert.Equal(t, 4, original.Progress.NavigationHistory[0].Params["index"])
	assert.Equal(t, "p1", original.UndoState.UndoStack[0].Payload["photo"])
	assert.False(t, original.Lifecycle.PausedAt.IsZero())
}

func TestCloneNil(t *testing.T) {
	var record *SessionRecord
	assert.Nil(t, record.Clone())
}
