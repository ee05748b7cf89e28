package admin

// Action is a closed set of administrative commands, discriminated by wire
// name. The sealed interface keeps handling exhaustive: a new command means
// a new type here, not a loose parameter bag.
type Action interface {
	name() string
	params() map[string]any
}

// MuteIP silences an origin IP for a bounded number of minutes.
type MuteIP struct {
	IP      string
	Minutes int
}

func (a MuteIP) name() string { return "mute" }
func (a MuteIP) params() map[string]any {
	return map[string]any{"ip": a.IP, "minutes": a.Minutes}
}

// UnmuteIP lifts a mute.
type UnmuteIP struct {
	IP string
}

func (a UnmuteIP) name() string { return "unmute" }
func (a UnmuteIP) params() map[string]any { return map[string]any{"ip": a.IP} }

// BanIP bans an origin IP and removes its messages.
type BanIP struct {
	IP string
}

func (a BanIP) name() string { return "ban" }
func (a BanIP) params() map[string]any { return map[string]any{"ip": a.IP} }

// UnbanIP lifts a ban.
type UnbanIP struct {
	IP string
}

func (a UnbanIP) name() string { return "unban" }
func (a UnbanIP) params() map[string]any { return map[string]any{"ip": a.IP} }

// PauseRoom suspends posting for a bounded number of seconds.
type PauseRoom struct {
	Seconds int
}

func (a PauseRoom) name() string { return "pause" }
func (a PauseRoom) params() map[string]any { return map[string]any{"seconds": a.Seconds} }

// Resume lifts a pause. The backend treats a zero-second pause as resume.
type Resume struct{}

func (a Resume) name() string { return "pause" }
func (a Resume) params() map[string]any { return map[string]any{"seconds": 0} }

// ClearHistory discards the room's entire message history.
type ClearHistory struct{}

func (a ClearHistory) name() string { return "clear_history" }
func (a ClearHistory) params() map[string]any { return map[string]any{} }

// DeleteMessage removes a single message by id.
type DeleteMessage struct {
	ID string
}

func (a DeleteMessage) name() string { return "delete_message" }
func (a DeleteMessage) params() map[string]any { return map[string]any{"id": a.ID} }

// ClearByIP removes every message authored from an origin IP.
type ClearByIP struct {
	IP string
}

func (a ClearByIP) name() string { return "clear_by_ip" }
func (a ClearByIP) params() map[string]any { return map[string]any{"ip": a.IP} }

// Notice posts a system broadcast message to the room.
type Notice struct {
	Text string
}

func (a Notice) name() string { return "notice" }
func (a Notice) params() map[string]any { return map[string]any{"text": a.Text} }
