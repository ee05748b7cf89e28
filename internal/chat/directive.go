package chat

// Directive is a compact moderation instruction delivered by the backend,
// either embedded in a poll response or returned from an admin action.
type Directive struct {
	PausedUntil   int64    `json:"paused_until,omitempty"`
	ClearedBefore int64    `json:"cleared_before_ts,omitempty"`
	DeletedIDs    []string `json:"deleted_ids,omitempty"`
}

// IsZero reports whether the directive carries no instruction at all.
func (d Directive) IsZero() bool {
	return d.PausedUntil == 0 && d.ClearedBefore == 0 && len(d.DeletedIDs) == 0
}

// Equal compares directives structurally. Identical directives repeated in
// successive poll responses must be treated as no-ops by the caller.
func (d Directive) Equal(other Directive) bool {
	if d.PausedUntil != other.PausedUntil || d.ClearedBefore != other.ClearedBefore {
		return false
	}
	if len(d.DeletedIDs) != len(other.DeletedIDs) {
		return false
	}
	for i, id := range d.DeletedIDs {
		if other.DeletedIDs[i] != id {
			return false
		}
	}
	return true
}
