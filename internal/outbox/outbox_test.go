package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/backchannel/internal/chat"
	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
)

type recordingSender struct {
	sent      []chat.Message
	failFirst int
	attempts  int
}

func (s *recordingSender) SendMessage(_ context.Context, room, cid string, message chat.Message) error {
	s.attempts++
	if s.attempts <= s.failFirst {
		return errors.New("network down")
	}
	s.sent = append(s.sent, message)
	return nil
}

type hookSender struct {
	sent   []chat.Message
	onSend func(chat.Message)
}

func (s *hookSender) SendMessage(_ context.Context, _, _ string, message chat.Message) error {
	if s.onSend != nil {
		s.onSend(message)
	}
	s.sent = append(s.sent, message)
	return nil
}

func newTestOutbox(t *testing.T, sender Sender) *Outbox {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	box, err := New(Config{Store: st, Sender: sender, Room: "home", CID: "cid-1"})
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	return box
}

func TestOutboxFlushesInOriginalOrderAndEmpties(t *testing.T) {
	sender := &recordingSender{}
	box := newTestOutbox(t, sender)

	for i := 1; i <= 3; i++ {
		msg := chat.Message{ID: fmt.Sprintf("q-%d", i), Name: "Ann", Text: fmt.Sprintf("offline %d", i), TS: int64(i * 1000)}
		if err := box.Enqueue(msg); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := box.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if sender.attempts != 3 {
		t.Fatalf("expected exactly 3 delivery attempts, got %d", sender.attempts)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 delivered, got %d", len(sender.sent))
	}
	for i, msg := range sender.sent {
		if want := fmt.Sprintf("q-%d", i+1); msg.ID != want {
			t.Fatalf("expected original send order, got %q at index %d", msg.ID, i)
		}
	}
	if box.Len() != 0 {
		t.Fatalf("expected empty queue after successful flush, got %d", box.Len())
	}
}

func TestOutboxKeepsFailedItemsQueuedInOrder(t *testing.T) {
	sender := &recordingSender{failFirst: 1}
	box := newTestOutbox(t, sender)

	for i := 1; i <= 3; i++ {
		if err := box.Enqueue(chat.Message{ID: fmt.Sprintf("q-%d", i), TS: int64(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := box.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush to report the delivery failure")
	}
	if box.Len() != 3 {
		t.Fatalf("expected all items retained after failed head, got %d", box.Len())
	}

	// Next flush succeeds and preserves order.
	if err := box.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(sender.sent) != 3 || sender.sent[0].ID != "q-1" {
		t.Fatalf("expected retry in original order, got %#v", sender.sent)
	}
	if box.Len() != 0 {
		t.Fatalf("expected drained queue, got %d", box.Len())
	}
}

func TestOutboxKeepsMessageEnqueuedDuringFlush(t *testing.T) {
	sender := &hookSender{}
	box := newTestOutbox(t, sender)

	if err := box.Enqueue(chat.Message{ID: "early", Text: "first", TS: 1000}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// A send lands on another goroutine while the queued item is being
	// delivered; it must not be dropped when the flush settles the queue.
	sender.onSend = func(chat.Message) {
		sender.onSend = nil
		if err := box.Enqueue(chat.Message{ID: "late", Text: "second", TS: 2000}); err != nil {
			t.Fatalf("enqueue during flush: %v", err)
		}
	}

	if err := box.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if box.Len() != 1 {
		t.Fatalf("expected the mid-flush message to stay queued, got depth %d", box.Len())
	}

	if err := box.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(sender.sent) != 2 || sender.sent[1].ID != "late" {
		t.Fatalf("expected the mid-flush message delivered on the next pass, got %#v", sender.sent)
	}
	if box.Len() != 0 {
		t.Fatalf("expected drained queue, got %d", box.Len())
	}
}

func TestOutboxBoundedToLimit(t *testing.T) {
	sender := &recordingSender{}
	box := newTestOutbox(t, sender)

	for i := 0; i < Limit+10; i++ {
		if err := box.Enqueue(chat.Message{ID: fmt.Sprintf("q-%d", i), TS: int64(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if box.Len() != Limit {
		t.Fatalf("expected queue bounded to %d, got %d", Limit, box.Len())
	}

	if err := box.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sender.sent[0].ID != "q-10" {
		t.Fatalf("expected oldest entries shed first, got %q", sender.sent[0].ID)
	}
}

func TestOutboxFlushEmptyQueueIsNoOp(t *testing.T) {
	sender := &recordingSender{}
	box := newTestOutbox(t, sender)
	if err := box.Flush(context.Background()); err != nil {
		t.Fatalf("flush of empty queue must succeed, got %v", err)
	}
	if sender.attempts != 0 {
		t.Fatalf("expected no delivery attempts, got %d", sender.attempts)
	}
}
