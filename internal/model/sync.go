package model

// ConflictMode selects how the sync engine handles a derived name that
// collides with an existing asset.
type ConflictMode string

const (
	// ConflictSkip leaves the target unchanged and records a conflict.
	ConflictSkip ConflictMode = "skip"
	// ConflictOverwrite forces the rename even on collision. Discouraged.
	ConflictOverwrite ConflictMode = "overwrite"
	// ConflictAutoSuffix derives a unique name by appending " (n)".
	// This is the default. The original system called this mode "prompt"
	// while silently auto-suffixing; the name here matches the behavior.
	ConflictAutoSuffix ConflictMode = "autoSuffix"
)

// ValidConflictMode reports whether m is a known conflict mode.
func ValidConflictMode(m ConflictMode) bool {
	switch m {
	case ConflictSkip, ConflictOverwrite, ConflictAutoSuffix:
		return true
	}
	return false
}

// SyncChange records one applied rename.
type SyncChange struct {
	EntityID string `json:"entity_id"`
	Stage    Stage  `json:"stage"`
	OldName  string `json:"old_name"`
	NewName  string `json:"new_name"`
}

// SyncConflict records a rename that could not be applied cleanly.
type SyncConflict struct {
	EntityID      string `json:"entity_id"`
	WantedName    string `json:"wanted_name"`
	ConflictingID string `json:"conflicting_id,omitempty"`
	Reason        string `json:"reason"`
}

// SyncSkip records a paired row deliberately left untouched.
type SyncSkip struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
}

// SyncResult is the outcome of one top-level name sync call.
type SyncResult struct {
	Updated   []SyncChange   `json:"updated"`
	Conflicts []SyncConflict `json:"conflicts"`
	Skipped   []SyncSkip     `json:"skipped"`
}

// BatchSyncItemResult is the outcome for a single update in a batch sync.
type BatchSyncItemResult struct {
	EntityID string      `json:"entity_id"`
	NewName  string      `json:"new_name"`
	OK       bool        `json:"ok"`
	Error    string      `json:"error,omitempty"`
	Result   *SyncResult `json:"result,omitempty"`
}

// BatchSyncResult aggregates a batch of independent name updates processed
// inside one transaction.
type BatchSyncResult struct {
	Processed         int                   `json:"processed"`
	Failed            int                   `json:"failed"`
	TotalChildUpdates int                   `json:"total_child_updates"`
	Items             []BatchSyncItemResult `json:"items"`
}
