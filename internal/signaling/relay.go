package signaling

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
	"github.com/MarcoPoloResearchLab/backchannel/internal/transport"
)

// Signal types carried by the relay. The relay stores and republishes
// payloads without interpreting them; delivery is at-least-once, so
// consumers must be idempotent.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
	TypeICE    = "ice"
	TypeJoin   = "join"
	TypeLeave  = "leave"
)

var (
	errMissingBackend = errors.New("backend client is required")
	errMissingSelf    = errors.New("self client id is required")
	errMissingRoom    = errors.New("room is required")
)

// Backend is the slice of the API client the relay needs.
type Backend interface {
	SendSignal(ctx context.Context, signal api.Signal) error
	PollSignals(ctx context.Context, room, client string, since int64, timeoutSeconds int) (api.SignalBatch, error)
	ChannelPresence(ctx context.Context, channel, client string) ([]api.PresenceUser, error)
}

// Config wires a signaling relay for one room.
type Config struct {
	Backend Backend
	Room    string
	SelfCID string

	// Handler receives every polled signal, including ones addressed to
	// other recipients; use Addressed to filter.
	Handler func(api.Signal)

	Transport transport.Config
	Logger    *zap.Logger
}

// Relay is the generic addressed message exchange used to coordinate room
// membership between peers, itself driven by a long-poll stream.
type Relay struct {
	cfg    Config
	poller *transport.Poller
}

func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Room == "" {
		return nil, errMissingRoom
	}
	if cfg.SelfCID == "" {
		return nil, errMissingSelf
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = cfg.Logger
	}

	relay := &Relay{cfg: cfg}
	poller, err := transport.NewPoller(relay.pollOnce, cfg.Transport)
	if err != nil {
		return nil, err
	}
	relay.poller = poller
	return relay, nil
}

// Run drives the poll loop until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	return r.poller.Run(ctx)
}

// Kick aborts the in-flight wait, forcing an immediate re-poll.
func (r *Relay) Kick() {
	r.poller.Kick()
}

func (r *Relay) pollOnce(ctx context.Context, since int64, timeoutSeconds int) (int64, error) {
	batch, err := r.cfg.Backend.PollSignals(ctx, r.cfg.Room, r.cfg.SelfCID, since, timeoutSeconds)
	if err != nil {
		return 0, err
	}
	if r.cfg.Handler != nil {
		for _, signal := range batch.Signals {
			r.cfg.Handler(signal)
		}
	}
	return batch.Now, nil
}

// Send publishes one addressed envelope from this client.
func (r *Relay) Send(ctx context.Context, channel, to, signalType string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.cfg.Backend.SendSignal(ctx, api.Signal{
		Room:    r.cfg.Room,
		Channel: channel,
		From:    r.cfg.SelfCID,
		To:      to,
		Type:    signalType,
		Payload: encoded,
	})
}

// Join announces this client to a room channel.
func (r *Relay) Join(ctx context.Context, channel, displayName string) error {
	return r.Send(ctx, channel, "", TypeJoin, map[string]any{"name": displayName})
}

// Leave announces departure from a room channel.
func (r *Relay) Leave(ctx context.Context, channel string) error {
	return r.Send(ctx, channel, "", TypeLeave, nil)
}

// Invite asks a specific peer to join targetRoom, carrying the requesting
// display name for the accept/decline prompt.
func (r *Relay) Invite(ctx context.Context, toCID, targetRoom, displayName string) error {
	payload := map[string]any{"invite": true, "room": targetRoom, "name": displayName}
	return r.Send(ctx, targetRoom, toCID, TypeJoin, payload)
}

// Presence reports the roster of a signaling channel.
func (r *Relay) Presence(ctx context.Context, channel string) ([]api.PresenceUser, error) {
	return r.cfg.Backend.ChannelPresence(ctx, channel, r.cfg.SelfCID)
}

// Addressed reports whether signal targets self.
func Addressed(signal api.Signal, self string) bool {
	return signal.To == self
}
