package bus

import (
	"context"
	"sync"
)

// Notice tells a subscriber that the store record under Key changed. It
// deliberately carries no payload: recipients re-read the store, which
// sidesteps message-size limits and guarantees consistency with whatever was
// last written.
type Notice struct {
	Key    string
	Origin string
}

// Dispatcher fans storage-change notices out to in-process subscribers,
// keyed by the storage key they watch. It never owns data; it only
// notifies.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Notice
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers interest in changes to key. The returned cleanup must
// be called (or ctx cancelled) before teardown to avoid orphaned
// subscribers. Slow subscribers drop notices; a dropped notice is harmless
// because the next re-read converges.
func (d *Dispatcher) Subscribe(ctx context.Context, key string) (<-chan Notice, func()) {
	if key == "" {
		ch := make(chan Notice)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Notice, d.bufferSize),
	}
	d.register(key, sub)
	cleanup := func() {
		d.unregister(key, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers a notice to every subscriber of its key.
func (d *Dispatcher) Publish(notice Notice) {
	if notice.Key == "" {
		return
	}
	d.mu.RLock()
	subs := d.subscribers[notice.Key]
	if len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- notice:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(key string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*subscriber)
	}
	d.subscribers[key][sub.id] = sub
}

func (d *Dispatcher) unregister(key string, subscriberID int64) {
	d.mu.Lock()
	subs := d.subscribers[key]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
