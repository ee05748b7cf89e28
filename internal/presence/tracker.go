package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
)

const (
	// ReportInterval is the fixed self-report cadence.
	ReportInterval = 2 * time.Second

	// OnlineWindow classifies a user online while now - lastSeen stays
	// under it. Classification is recomputed on read, never pushed.
	OnlineWindow = 45 * time.Second
)

var (
	errMissingClient = errors.New("api client is required")
	errMissingRoom   = errors.New("room is required")
)

// RosterPoller is the slice of the backend client the tracker needs.
type RosterPoller interface {
	ChatPoll(ctx context.Context, req api.PollRequest) (api.PollResponse, error)
}

// Config wires a presence tracker for one room.
type Config struct {
	Client RosterPoller
	Room   string
	CID    string
	Name   string

	// Interval overrides ReportInterval, for tests.
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Tracker periodically reports this client's own liveness with a
// zero-timeout poll and keeps the latest roster snapshot. A failed report is
// skipped silently; the next tick retries.
type Tracker struct {
	cfg Config

	mu     sync.RWMutex
	roster []api.PresenceUser
}

func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Room == "" {
		return nil, errMissingRoom
	}
	if cfg.Interval <= 0 {
		cfg.Interval = ReportInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tracker{cfg: cfg}, nil
}

// Run reports presence until ctx is cancelled, refreshing once immediately.
func (t *Tracker) Run(ctx context.Context) error {
	t.refresh(ctx)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

func (t *Tracker) refresh(ctx context.Context) {
	response, err := t.cfg.Client.ChatPoll(ctx, api.PollRequest{
		Room:     t.cfg.Room,
		Since:    0,
		CID:      t.cfg.CID,
		Name:     t.cfg.Name,
		Presence: true,
	})
	if err != nil {
		t.cfg.Logger.Debug("presence report failed", zap.Error(err))
		return
	}
	if response.Presence == nil {
		return
	}
	t.mu.Lock()
	t.roster = response.Presence
	t.mu.Unlock()
}

// Snapshot returns the last received roster.
func (t *Tracker) Snapshot() []api.PresenceUser {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]api.PresenceUser, len(t.roster))
	copy(out, t.roster)
	return out
}

// OnlineCount classifies the roster against the liveness window at read
// time.
func (t *Tracker) OnlineCount() int {
	now := t.cfg.Clock()
	count := 0
	for _, user := range t.Snapshot() {
		if Online(user, now) {
			count++
		}
	}
	return count
}

// Online reports whether user's last self-report is within OnlineWindow of
// now.
func Online(user api.PresenceUser, now time.Time) bool {
	return now.UnixMilli()-user.LastSeen < OnlineWindow.Milliseconds()
}
