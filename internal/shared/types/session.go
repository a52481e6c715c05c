package types

import "time"

// SchemaVersion is the current session record schema version. Records with a
// different major version are rejected during validation and replaced.
const SchemaVersion = "1.0.0"

// CategoryType distinguishes the two photo bucketing modes.
type CategoryType string

const (
	CategoryMonth  CategoryType = "month"
	CategorySource CategoryType = "source"
)

// SessionRecord is the durable root object for one usage period. It holds
// navigation, progress, preferences, undo state, and metadata. The lifecycle
// section is rehydrated on resume and never trusted verbatim across restarts.
type SessionRecord struct {
	SessionID       string                 `json:"session_id"`
	Version         string                 `json:"version"`
	LastSaved       time.Time              `json:"last_saved"`
	Navigation      NavigationState        `json:"navigation"`
	Progress        ProgressState          `json:"progress"`
	UserPreferences map[string]interface{} `json:"user_preferences,omitempty"`
	UndoState       UndoState              `json:"undo_state"`
	Metadata        SessionMetadata        `json:"metadata"`
	Lifecycle       LifecycleState         `json:"lifecycle"`
}

// NavigationState captures the UI position needed to resume where the user
// left off.
type NavigationState struct {
	CurrentScreen        string        `json:"current_screen"`
	CurrentPhotoIndex    int           `json:"current_photo_index"`
	SelectedCategoryID   *string       `json:"selected_category_id,omitempty"`
	SelectedCategoryType *CategoryType `json:"selected_category_type,omitempty"`
	ScrollPosition       float64       `json:"scroll_position"`
}

// ProgressState tracks triage progress across the whole collection.
type ProgressState struct {
	SessionStartTime    time.Time                   `json:"session_start_time"`
	CategoriesCompleted []string                    `json:"categories_completed"`
	PhotosProcessed     int                         `json:"photos_processed"`
	TotalPhotos         int                         `json:"total_photos"`
	CategoryMemory      map[string]CategoryProgress `json:"category_memory,omitempty"`
	NavigationHistory   []NavigationEntry           `json:"navigation_history,omitempty"`
	MaxHistoryEntries   int                         `json:"max_history_entries"`
}

// CategoryProgress is the per-category resumption state. CompletedPhotos never
// exceeds TotalPhotos and LastAccessTime is monotonically non-decreasing.
type CategoryProgress struct {
	LastPhotoID     string       `json:"last_photo_id"`
	LastPhotoIndex  int          `json:"last_photo_index"`
	TotalPhotos     int          `json:"total_photos"`
	CompletedPhotos int          `json:"completed_photos"`
	KeptCount       *int         `json:"kept_count,omitempty"`
	DeletedCount    *int         `json:"deleted_count,omitempty"`
	LastAccessTime  time.Time    `json:"last_access_time"`
	CategoryType    CategoryType `json:"category_type"`
}

// NavigationEntry is one step of the bounded navigation history. The history
// list is kept newest-first; oldest entries are dropped on overflow.
type NavigationEntry struct {
	RouteName string                 `json:"route_name"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// UndoableAction records a single reversible triage decision.
type UndoableAction struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	PhotoID    string                 `json:"photo_id"`
	CategoryID string                 `json:"category_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// UndoState holds the bounded undo stack, newest-first.
type UndoState struct {
	UndoStack         []UndoableAction `json:"undo_stack,omitempty"`
	MaxUndoActions    int              `json:"max_undo_actions"`
	LastUndoTimestamp *time.Time       `json:"last_undo_timestamp,omitempty"`
}

// SessionMetadata accumulates bookkeeping across sessions.
type SessionMetadata struct {
	InstallID            string        `json:"install_id,omitempty"`
	TotalSessions        int           `json:"total_sessions"`
	LastSessionDuration  time.Duration `json:"last_session_duration"`
	CrashRecoveryAttempt int           `json:"crash_recovery_attempts"`
	LastCrashTime        *time.Time    `json:"last_crash_time,omitempty"`
}

// LifecycleState tracks pause/resume transitions for the current process. It
// is derived on resume rather than restored verbatim.
type LifecycleState struct {
	IsActive           bool          `json:"is_active"`
	IsPaused           bool          `json:"is_paused"`
	PausedAt           *time.Time    `json:"paused_at,omitempty"`
	ResumedAt          *time.Time    `json:"resumed_at,omitempty"`
	PauseCount         int           `json:"pause_count"`
	BackgroundDuration time.Duration `json:"background_duration"`
	TotalPauseTime     time.Duration `json:"total_pause_time"`
}

// Clone returns a deep copy of the record so callers can hand out snapshots
// without exposing the live instance to mutation.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.UserPreferences = cloneMap(r.UserPreferences)

	out.Progress.CategoriesCompleted = append([]string(nil), r.Progress.CategoriesCompleted...)
	if r.Progress.CategoryMemory != nil {
		out.Progress.CategoryMemory = make(map[string]CategoryProgress, len(r.Progress.CategoryMemory))
		for k, v := range r.Progress.CategoryMemory {
			v.KeptCount = cloneInt(v.KeptCount)
			v.DeletedCount = cloneInt(v.DeletedCount)
			out.Progress.CategoryMemory[k] = v
		}
	}
	if r.Progress.NavigationHistory != nil {
		out.Progress.NavigationHistory = make([]NavigationEntry, len(r.Progress.NavigationHistory))
		for i, e := range r.Progress.NavigationHistory {
			e.Params = cloneMap(e.Params)
			out.Progress.NavigationHistory[i] = e
		}
	}

	if r.UndoState.UndoStack != nil {
		out.UndoState.UndoStack = make([]UndoableAction, len(r.UndoState.UndoStack))
		for i, a := range r.UndoState.UndoStack {
			a.Payload = cloneMap(a.Payload)
			out.UndoState.UndoStack[i] = a
		}
	}
	out.UndoState.LastUndoTimestamp = cloneTime(r.UndoState.LastUndoTimestamp)

	out.Navigation.SelectedCategoryID = cloneString(r.Navigation.SelectedCategoryID)
	if r.Navigation.SelectedCategoryType != nil {
		ct := *r.Navigation.SelectedCategoryType
		out.Navigation.SelectedCategoryType = &ct
	}

	out.Metadata.LastCrashTime = cloneTime(r.Metadata.LastCrashTime)
	out.Lifecycle.PausedAt = cloneTime(r.Lifecycle.PausedAt)
	out.Lifecycle.ResumedAt = cloneTime(r.Lifecycle.ResumedAt)
	return &out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
