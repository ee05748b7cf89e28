package admin

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
	"github.com/MarcoPoloResearchLab/backchannel/internal/chat"
	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
)

const listStateAction = "list_state"

var (
	errMissingBackend = errors.New("backend client is required")
	errMissingStore   = errors.New("store is required")
	errMissingRoom    = errors.New("room is required")

	// ErrNoToken means no CSRF token is held; the caller must authenticate
	// before issuing commands.
	ErrNoToken = errors.New("csrf token not loaded")
)

// Backend is the slice of the API client the moderation channel needs.
type Backend interface {
	AdminAction(ctx context.Context, room, csrf, action string, params map[string]any) (api.AdminResult, error)
	FetchCSRF(ctx context.Context) (string, error)
}

// State is the full admin view of a room, refreshed after every action and
// on a cold open of the admin surface.
type State struct {
	Presence    []api.PresenceUser
	Banned      []string
	Muted       map[string]int64
	PausedUntil int64
}

// Config wires the moderation channel for one room.
type Config struct {
	Backend Backend
	Store   *store.Store
	Room    string

	// KickPoll, when set, aborts the chat stream's in-flight wait after a
	// successful action so other viewers converge quickly.
	KickPoll func()
	Logger   *zap.Logger
}

// Client is the CSRF-token-gated administrative command channel. Each action
// is a single authenticated request whose returned moderation directive is
// applied to the local cache immediately.
type Client struct {
	cfg Config

	mu    sync.Mutex
	csrf  string
	state State
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Room == "" {
		return nil, errMissingRoom
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{cfg: cfg}, nil
}

// Authenticate fetches the CSRF token. The token's backing session is an
// external collaborator; a failure here is surfaced, not retried.
func (c *Client) Authenticate(ctx context.Context) error {
	token, err := c.cfg.Backend.FetchCSRF(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.csrf = token
	c.mu.Unlock()
	return nil
}

// Do issues one moderation action, applies the returned directive to the
// cached messages, kicks the poll stream, and refreshes the admin state.
// api.ErrUnauthorized means the token was rejected and a new Authenticate
// call is required.
func (c *Client) Do(ctx context.Context, action Action) (State, error) {
	c.mu.Lock()
	token := c.csrf
	c.mu.Unlock()
	if token == "" {
		return State{}, ErrNoToken
	}

	result, err := c.cfg.Backend.AdminAction(ctx, c.cfg.Room, token, action.name(), action.params())
	if err != nil {
		return State{}, err
	}
	if result.Mod != nil {
		c.applyDirective(*result.Mod)
	}
	if c.cfg.KickPoll != nil {
		c.cfg.KickPoll()
	}
	c.cfg.Logger.Info("moderation action applied",
		zap.String("room", c.cfg.Room),
		zap.String("action", action.name()))
	return c.Refresh(ctx)
}

// Refresh re-queries the full admin view.
func (c *Client) Refresh(ctx context.Context) (State, error) {
	c.mu.Lock()
	token := c.csrf
	c.mu.Unlock()
	if token == "" {
		return State{}, ErrNoToken
	}

	result, err := c.cfg.Backend.AdminAction(ctx, c.cfg.Room, token, listStateAction, nil)
	if err != nil {
		return State{}, err
	}
	state := State{
		Presence:    result.Presence,
		Banned:      result.Banned,
		Muted:       result.Muted,
		PausedUntil: result.PausedUntil,
	}
	if state.Muted == nil {
		state.Muted = map[string]int64{}
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return state, nil
}

// LastState returns the most recently fetched admin view.
func (c *Client) LastState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// applyDirective folds a directive into the cached messages: a cleared-before
// reset discards the whole cache, a deny-set filters by id.
func (c *Client) applyDirective(directive chat.Directive) {
	if directive.ClearedBefore > 0 {
		if err := c.cfg.Store.SaveMessages(c.cfg.Room, nil); err != nil {
			c.cfg.Logger.Warn("cache clear failed", zap.Error(err))
		}
		return
	}
	local := c.cfg.Store.LoadMessages(c.cfg.Room)
	filtered := chat.ApplyDirective(local, directive)
	if err := c.cfg.Store.SaveMessages(c.cfg.Room, filtered); err != nil {
		c.cfg.Logger.Warn("cache filter failed", zap.Error(err))
	}
}
