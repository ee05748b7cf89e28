package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
)

// State is the poller's position in its lifecycle. Exactly one request per
// poller may be in flight, so the machine is strictly sequential:
// Idle -> Polling <-> Backoff, terminating in Cancelled.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateBackoff
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// LinkState is the coarse connectivity classification surfaced to consumers
// such as the offline outbox.
type LinkState int32

const (
	LinkConnecting LinkState = iota
	LinkOnline
	LinkOffline
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkOnline:
		return "online"
	case LinkOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Clock abstracts wall time so backoff behavior is testable without real
// delay.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// PollFunc issues one backend request and applies its result. It returns the
// next watermark candidate (typically the server's reported now); the poller
// advances its watermark to the maximum of the previous value and the
// returned one. A PollFunc must honor ctx cancellation promptly.
type PollFunc func(ctx context.Context, since int64, timeoutSeconds int) (int64, error)

var errMissingPollFunc = errors.New("poll function is required")

// Config tunes one polling stream.
type Config struct {
	// LongTimeoutSeconds is the server-side park duration requested after
	// the initial snapshot call. Defaults to 20.
	LongTimeoutSeconds int

	// LinearStep/LinearCap shape the plain-error ladder (step x attempt).
	LinearStep time.Duration
	LinearCap  time.Duration

	// OverloadThreshold consecutive 503s switch to the exponential ladder
	// (base doubling from OverloadBase, capped at OverloadCap) to shed
	// load from an overloaded backend.
	OverloadThreshold int
	OverloadBase      time.Duration
	OverloadCap       time.Duration

	Clock  Clock
	Logger *zap.Logger

	// OnLinkState, when set, observes connectivity transitions. Invoked
	// from the polling goroutine; repeated identical states are elided.
	OnLinkState func(LinkState)
}

func (c Config) withDefaults() Config {
	if c.LongTimeoutSeconds <= 0 {
		c.LongTimeoutSeconds = 20
	}
	if c.LinearStep <= 0 {
		c.LinearStep = time.Second
	}
	if c.LinearCap <= 0 {
		c.LinearCap = 10 * time.Second
	}
	if c.OverloadThreshold <= 0 {
		c.OverloadThreshold = 3
	}
	if c.OverloadBase <= 0 {
		c.OverloadBase = 2 * time.Second
	}
	if c.OverloadCap <= 0 {
		c.OverloadCap = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Poller drives one logical long-poll stream: a zero-timeout snapshot call,
// then repeated long-timeout calls, with a status-aware backoff ladder and
// cooperative cancellation. Kick aborts the in-flight wait so locally
// authored actions are reflected without waiting out the timeout window.
type Poller struct {
	cfg  Config
	poll PollFunc

	mu             sync.Mutex
	state          State
	link           LinkState
	linkSeen       bool
	watermark      int64
	cancelInFlight context.CancelFunc
	kicked         bool

	kickCh chan struct{}
}

func NewPoller(poll PollFunc, cfg Config) (*Poller, error) {
	if poll == nil {
		return nil, errMissingPollFunc
	}
	return &Poller{
		cfg:    cfg.withDefaults(),
		poll:   poll,
		state:  StateIdle,
		kickCh: make(chan struct{}, 1),
	}, nil
}

// Watermark returns the timestamp of the most-recently-seen item.
func (p *Poller) Watermark() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// SetWatermark overrides the watermark unconditionally. Used for the
// authoritative clear-before reset, which may move it backwards.
func (p *Poller) SetWatermark(ts int64) {
	p.mu.Lock()
	p.watermark = ts
	p.mu.Unlock()
}

// State reports the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LinkOnline reports whether the last completed cycle succeeded.
func (p *Poller) LinkOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link == LinkOnline
}

// Kick cancels the in-flight request (or cuts a backoff wait short). The
// poller resumes immediately with a zero-timeout snapshot call and applies
// no backoff for the deliberate cancellation.
func (p *Poller) Kick() {
	p.mu.Lock()
	p.kicked = true
	cancel := p.cancelInFlight
	p.mu.Unlock()
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
	if cancel != nil {
		cancel()
	}
}

// Run executes the polling loop until ctx is cancelled. It always returns
// ctx's error; transport failures are absorbed into the backoff ladder.
func (p *Poller) Run(ctx context.Context) error {
	defer p.setState(StateCancelled)
	p.notifyLink(LinkConnecting)

	attempts := 0
	overloads := 0
	timeoutSeconds := 0 // first call takes an immediate snapshot

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.consumeKick() {
			// A kick landed while no request was in flight; the next call
			// takes the snapshot it asked for.
			timeoutSeconds = 0
		}

		p.setState(StatePolling)
		reqCtx, cancel := context.WithCancel(ctx)
		p.armCancel(cancel)
		next, err := p.poll(reqCtx, p.Watermark(), timeoutSeconds)
		kicked := p.disarmCancel()
		cancel()

		if err == nil {
			p.advanceWatermark(next)
			attempts = 0
			overloads = 0
			p.notifyLink(LinkOnline)
			timeoutSeconds = p.cfg.LongTimeoutSeconds
			if kicked {
				// The request outran its cancellation; still honor the kick
				// with a snapshot call rather than leaving a stale token to
				// cut a later backoff short.
				p.drainKick()
				timeoutSeconds = 0
			}
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if kicked && errors.Is(err, context.Canceled) {
			// Deliberate cancellation: restart with a snapshot call so the
			// kicking action is reflected immediately.
			p.drainKick()
			timeoutSeconds = 0
			continue
		}

		p.notifyLink(LinkOffline)
		attempts++
		if api.IsOverloaded(err) {
			overloads++
		} else {
			overloads = 0
		}
		delay := p.backoffDelay(attempts, overloads)
		p.cfg.Logger.Debug("poll failed, backing off",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempts", attempts),
			zap.Int("consecutive_overloads", overloads))

		p.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.kickCh:
			timeoutSeconds = 0
			continue
		case <-p.cfg.Clock.After(delay):
		}
		timeoutSeconds = p.cfg.LongTimeoutSeconds
	}
}

// backoffDelay implements the two-tier ladder: linear step x attempt for
// plain failures, exponential doubling once the backend has answered 503
// OverloadThreshold times in a row.
func (p *Poller) backoffDelay(attempts, overloads int) time.Duration {
	if overloads >= p.cfg.OverloadThreshold {
		delay := p.cfg.OverloadBase
		for i := p.cfg.OverloadThreshold; i < overloads; i++ {
			delay *= 2
			if delay >= p.cfg.OverloadCap {
				return p.cfg.OverloadCap
			}
		}
		if delay > p.cfg.OverloadCap {
			delay = p.cfg.OverloadCap
		}
		return delay
	}
	delay := p.cfg.LinearStep * time.Duration(attempts)
	if delay > p.cfg.LinearCap {
		delay = p.cfg.LinearCap
	}
	return delay
}

func (p *Poller) advanceWatermark(candidate int64) {
	p.mu.Lock()
	if candidate > p.watermark {
		p.watermark = candidate
	}
	p.mu.Unlock()
}

func (p *Poller) armCancel(cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancelInFlight = cancel
	p.mu.Unlock()
}

// consumeKick reports and clears a kick that arrived between requests,
// draining its wakeup token so it cannot shorten an unrelated backoff wait.
func (p *Poller) consumeKick() bool {
	p.mu.Lock()
	kicked := p.kicked
	p.kicked = false
	p.mu.Unlock()
	if kicked {
		p.drainKick()
	}
	return kicked
}

// disarmCancel clears the in-flight cancel handle and reports whether the
// request was kicked while armed.
func (p *Poller) disarmCancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelInFlight = nil
	kicked := p.kicked
	p.kicked = false
	return kicked
}

func (p *Poller) drainKick() {
	select {
	case <-p.kickCh:
	default:
	}
}

func (p *Poller) setState(state State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *Poller) notifyLink(link LinkState) {
	p.mu.Lock()
	changed := !p.linkSeen || p.link != link
	p.link = link
	p.linkSeen = true
	p.mu.Unlock()
	if changed && p.cfg.OnLinkState != nil {
		p.cfg.OnLinkState(link)
	}
}
