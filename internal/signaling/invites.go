package signaling

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
	"github.com/MarcoPoloResearchLab/backchannel/internal/presence"
)

// inviteChannel is the well-known rendezvous room polled for incoming
// invites while the user is not in a call.
const inviteChannel = "rtc"

// Invite is a surfaced request to join a room, awaiting accept/decline.
type Invite struct {
	Room     string
	FromCID  string
	FromName string
}

type invitePayload struct {
	Name   string `json:"name"`
	Invite bool   `json:"invite"`
	Room   string `json:"room"`
}

// DecodeInvite extracts an invite from a signal addressed to self, or false
// when the signal is not an invite. Repeated deliveries of the same invite
// decode identically; idempotent handling is the consumer's job.
func DecodeInvite(signal api.Signal, self string) (Invite, bool) {
	if !Addressed(signal, self) || signal.Type != TypeJoin {
		return Invite{}, false
	}
	var payload invitePayload
	if err := json.Unmarshal(signal.Payload, &payload); err != nil || !payload.Invite {
		return Invite{}, false
	}
	room := payload.Room
	if room == "" {
		room = signal.Channel
	}
	fromName := payload.Name
	if fromName == "" {
		fromName = signal.From
	}
	return Invite{Room: room, FromCID: signal.From, FromName: fromName}, true
}

// NewInviteRelay builds a relay on the rendezvous channel that surfaces
// decoded invites through onInvite.
func NewInviteRelay(cfg Config, onInvite func(Invite)) (*Relay, error) {
	cfg.Room = inviteChannel
	inner := cfg.Handler
	cfg.Handler = func(signal api.Signal) {
		if inner != nil {
			inner(signal)
		}
		if invite, ok := DecodeInvite(signal, cfg.SelfCID); ok {
			onInvite(invite)
		}
	}
	return NewRelay(cfg)
}

// MergeRoster unions direct peers with channel presence rows, keeping only
// entries live within the presence window and excluding none; the caller
// filters self if needed. Presence rows win on cid collisions because they
// carry fresher last-seen values.
func MergeRoster(peers, rows []api.PresenceUser, now time.Time) []api.PresenceUser {
	merged := make(map[string]api.PresenceUser, len(peers)+len(rows))
	order := make([]string, 0, len(peers)+len(rows))
	for _, user := range peers {
		if user.CID == "" || !presence.Online(user, now) {
			continue
		}
		if _, seen := merged[user.CID]; !seen {
			order = append(order, user.CID)
		}
		merged[user.CID] = user
	}
	for _, user := range rows {
		if user.CID == "" || !presence.Online(user, now) {
			continue
		}
		if _, seen := merged[user.CID]; !seen {
			order = append(order, user.CID)
		}
		merged[user.CID] = user
	}
	out := make([]api.PresenceUser, 0, len(order))
	for _, cid := range order {
		out = append(out, merged[cid])
	}
	return out
}
