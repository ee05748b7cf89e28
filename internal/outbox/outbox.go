package outbox

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/chat"
	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
)

// Limit bounds the durable queue to the most recent items; older entries are
// shed first.
const Limit = 50

var (
	errMissingStore  = errors.New("store is required")
	errMissingSender = errors.New("sender is required")
	errMissingRoom   = errors.New("room is required")
)

// Sender delivers one message to the backend.
type Sender interface {
	SendMessage(ctx context.Context, room, cid string, message chat.Message) error
}

// Config wires an outbox for one room.
type Config struct {
	Store  *store.Store
	Sender Sender
	Room   string
	CID    string
	Logger *zap.Logger
}

// Outbox is a durable FIFO of not-yet-confirmed outgoing messages. Sends
// that fail, or that happen while the link is offline, queue here and flush
// opportunistically once connectivity returns. Delivery is at-least-once;
// duplicate suppression is the reconciler's id-based dedup.
type Outbox struct {
	store  *store.Store
	sender Sender
	room   string
	cid    string
	logger *zap.Logger

	// mu guards the read-modify-write of the queue record. Enqueue may run
	// on a caller goroutine while Flush runs on the link-state goroutine.
	mu sync.Mutex
}

func New(cfg Config) (*Outbox, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	if cfg.Room == "" {
		return nil, errMissingRoom
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		store:  cfg.Store,
		sender: cfg.Sender,
		room:   cfg.Room,
		cid:    cfg.CID,
		logger: logger,
	}, nil
}

// Enqueue appends message to the durable queue, shedding the oldest entries
// beyond Limit.
func (o *Outbox) Enqueue(message chat.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	queue := o.load()
	queue = append(queue, message)
	if len(queue) > Limit {
		queue = queue[len(queue)-Limit:]
	}
	return o.save(queue)
}

// Len reports the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.load())
}

// Flush attempts delivery of every queued message in original send order.
// Each item is removed only on confirmed success; failed items stay queued
// in order for the next flush. The first failure stops the pass so ordering
// is preserved. Removal re-reads the queue and subtracts the delivered ids,
// so a message enqueued while delivery was in progress survives for the
// next pass.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	queue := o.load()
	o.mu.Unlock()
	if len(queue) == 0 {
		return nil
	}

	delivered := make(map[string]struct{}, len(queue))
	var deliveryErr error
	for _, message := range queue {
		if err := ctx.Err(); err != nil {
			deliveryErr = err
			break
		}
		if err := o.sender.SendMessage(ctx, o.room, o.cid, message); err != nil {
			deliveryErr = err
			break
		}
		delivered[message.ID] = struct{}{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	current := o.load()
	remaining := current[:0:0]
	for _, message := range current {
		if _, ok := delivered[message.ID]; ok {
			continue
		}
		remaining = append(remaining, message)
	}

	if len(delivered) > 0 {
		o.logger.Debug("outbox flushed",
			zap.String("room", o.room),
			zap.Int("delivered", len(delivered)),
			zap.Int("remaining", len(remaining)))
	}
	if err := o.save(remaining); err != nil {
		return err
	}
	return deliveryErr
}

func (o *Outbox) load() []chat.Message {
	var queue []chat.Message
	if !o.store.Load(store.OutboxKey(o.room), &queue) {
		return nil
	}
	return queue
}

func (o *Outbox) save(queue []chat.Message) error {
	if queue == nil {
		queue = []chat.Message{}
	}
	return o.store.Save(store.OutboxKey(o.room), queue)
}
