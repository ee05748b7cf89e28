package rooms

import (
	"errors"
	"regexp"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
)

// RetentionWindow prunes accepted rooms after this long without activity.
const RetentionWindow = 30 * 24 * time.Hour

var (
	roomNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

	// ErrInvalidName rejects room names outside lowercase alnum, dash and
	// underscore, at most 32 characters.
	ErrInvalidName = errors.New("invalid room name")

	errMissingStore = errors.New("store is required")
)

// Info records one accepted room.
type Info struct {
	Room       string `json:"room"`
	Title      string `json:"title,omitempty"`
	AcceptedAt int64  `json:"acceptedAt"`
	LastJoined int64  `json:"lastJoined,omitempty"`
}

// ValidName reports whether name is an acceptable room name.
func ValidName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// List is the durable accepted-rooms collection.
type List struct {
	store *store.Store
	clock func() time.Time
}

func NewList(st *store.Store, clock func() time.Time) (*List, error) {
	if st == nil {
		return nil, errMissingStore
	}
	if clock == nil {
		clock = time.Now
	}
	return &List{store: st, clock: clock}, nil
}

// Accepted returns the known rooms with entries older than RetentionWindow
// pruned. Corrupt stored content reads as empty.
func (l *List) Accepted() []Info {
	var rooms []Info
	if !l.store.Load(store.KeyAcceptedRooms, &rooms) {
		return nil
	}
	cutoff := l.clock().Add(-RetentionWindow).UnixMilli()
	recent := make([]Info, 0, len(rooms))
	for _, info := range rooms {
		if info.AcceptedAt >= cutoff {
			recent = append(recent, info)
		}
	}
	return recent
}

// Accept records a join of room, refreshing last-joined on repeat visits and
// pruning expired entries on the way out.
func (l *List) Accept(room string) error {
	if !ValidName(room) {
		return ErrInvalidName
	}
	now := l.clock().UnixMilli()
	rooms := l.Accepted()
	found := false
	for i := range rooms {
		if rooms[i].Room == room {
			rooms[i].LastJoined = now
			found = true
			break
		}
	}
	if !found {
		rooms = append(rooms, Info{Room: room, AcceptedAt: now, LastJoined: now})
	}
	return l.store.Save(store.KeyAcceptedRooms, rooms)
}
