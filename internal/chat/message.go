package chat

import "strings"

// Message is one chat entry as exchanged with the backend and held in the
// local cache. Timestamps are milliseconds since the Unix epoch.
type Message struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
	IP   string `json:"ip,omitempty"`
	Mine bool   `json:"mine,omitempty"`
}

// legacyIDPrefix marks ids minted by the pre-rollout client id scheme.
// Messages sent optimistically under that scheme show up a second time once
// the server echoes them back with a canonical id.
const legacyIDPrefix = "m-"

func (m Message) legacyID() bool {
	return strings.HasPrefix(m.ID, legacyIDPrefix)
}

// metadataScore ranks how much server-known state a message copy carries.
// Used to pick the richer variant when folding near-duplicates.
func (m Message) metadataScore() int {
	score := 0
	if m.Mine {
		score += 2
	}
	if m.IP != "" {
		score++
	}
	return score
}

// LastTimestamp returns the timestamp of the newest message, or zero for an
// empty slice. Callers use it as the poll watermark.
func LastTimestamp(messages []Message) int64 {
	if len(messages) == 0 {
		return 0
	}
	return messages[len(messages)-1].TS
}
