package video

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
	"github.com/MarcoPoloResearchLab/backchannel/internal/transport"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time                       { return c.now }
func (c *fixedClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

type scriptBackend struct {
	batches []api.ChunkBatch
	calls   []int64
	cancel  context.CancelFunc
}

func (b *scriptBackend) UploadChunk(_ context.Context, room, cid string, _ []byte) (api.VideoChunk, error) {
	return api.VideoChunk{ID: "up-1", CID: cid, Room: room}, nil
}

func (b *scriptBackend) PollChunks(ctx context.Context, _ string, since int64, _ int) (api.ChunkBatch, error) {
	b.calls = append(b.calls, since)
	if len(b.batches) == 0 {
		b.cancel()
		return api.ChunkBatch{}, ctx.Err()
	}
	batch := b.batches[0]
	b.batches = b.batches[1:]
	return batch, nil
}

func newTestRelay(t *testing.T, clock transport.Clock) *Relay {
	t.Helper()
	relay, err := NewRelay(Config{
		Backend:   &scriptBackend{cancel: func() {}},
		Room:      "general",
		SelfCID:   "self",
		Transport: transport.Config{Clock: clock},
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return relay
}

func chunk(id, cid string, ts int64) api.VideoChunk {
	return api.VideoChunk{ID: id, CID: cid, Room: "general", TS: ts}
}

func TestIngestSkipsOwnAndForeignRoomChunks(t *testing.T) {
	relay := newTestRelay(t, nil)
	now := int64(100_000)

	relay.ingest(now, []api.VideoChunk{
		chunk("a", "self", now),
		{ID: "b", CID: "peer", Room: "other", TS: now},
		chunk("c", "peer", now),
	})

	feeds := relay.Feeds(now)
	if len(feeds) != 1 || feeds[0].CID != "peer" {
		t.Fatalf("unexpected feeds: %+v", feeds)
	}
	if len(feeds[0].Chunks) != 1 || feeds[0].Chunks[0].ID != "c" {
		t.Fatalf("unexpected chunks: %+v", feeds[0].Chunks)
	}
}

func TestIngestDeduplicatesAndOrdersByTimestamp(t *testing.T) {
	relay := newTestRelay(t, nil)
	now := int64(100_000)

	changed := relay.ingest(now, []api.VideoChunk{
		chunk("b", "peer", now-1000),
		chunk("a", "peer", now-3000),
	})
	if !changed {
		t.Fatalf("expected first ingest to report change")
	}
	if relay.ingest(now, []api.VideoChunk{chunk("a", "peer", now-3000)}) {
		t.Fatalf("duplicate-only ingest reported change")
	}

	feeds := relay.Feeds(now)
	got := feeds[0].Chunks
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestIngestBoundsBufferToNewestChunks(t *testing.T) {
	relay := newTestRelay(t, nil)
	now := int64(1_000_000)

	var chunks []api.VideoChunk
	for i := 0; i < MaxChunksPerPeer+5; i++ {
		chunks = append(chunks, chunk(fmt.Sprintf("c%02d", i), "peer", now-int64(i)*100))
	}
	relay.ingest(now, chunks)

	feeds := relay.Feeds(now)
	got := feeds[0].Chunks
	if len(got) != MaxChunksPerPeer {
		t.Fatalf("expected %d chunks, got %d", MaxChunksPerPeer, len(got))
	}
	if got[len(got)-1].ID != "c00" {
		t.Fatalf("expected newest chunk retained, got %+v", got[len(got)-1])
	}
}

func TestIngestDropsExpiredChunks(t *testing.T) {
	relay := newTestRelay(t, nil)
	now := int64(1_000_000)

	relay.ingest(now, []api.VideoChunk{
		chunk("old", "peer", now-16_000),
		chunk("fresh", "peer", now-1_000),
	})

	got := relay.Feeds(now)[0].Chunks
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Fatalf("expected only fresh chunk, got %+v", got)
	}
}

func TestPeerLivenessFollowsChunkArrival(t *testing.T) {
	relay := newTestRelay(t, nil)
	now := int64(1_000_000)

	relay.ingest(now, []api.VideoChunk{chunk("a", "peer", now)})
	if !relay.Active("peer", now) {
		t.Fatalf("expected peer active immediately after arrival")
	}
	if relay.Active("peer", now+11_000) {
		t.Fatalf("expected peer inactive after 11s of silence")
	}

	later := now + 11_000
	relay.ingest(later, []api.VideoChunk{chunk("b", "peer", later)})
	if !relay.Active("peer", later) {
		t.Fatalf("expected peer reactivated in the cycle the chunk arrived")
	}
}

func TestRunWarmStartsWatermark(t *testing.T) {
	clock := &fixedClock{now: time.UnixMilli(10_000_000)}
	ctx, cancel := context.WithCancel(context.Background())
	backend := &scriptBackend{cancel: cancel}
	relay, err := NewRelay(Config{
		Backend:   backend,
		Room:      "general",
		SelfCID:   "self",
		Transport: transport.Config{Clock: clock},
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	if err := relay.Run(ctx); err != nil && err != context.Canceled {
		t.Fatalf("run: %v", err)
	}
	if len(backend.calls) == 0 {
		t.Fatalf("expected at least one poll call")
	}
	want := clock.now.Add(-WarmStartWindow).UnixMilli()
	if backend.calls[0] != want {
		t.Fatalf("first poll since = %d, want %d", backend.calls[0], want)
	}
}

func TestDiscardDropsAllPeers(t *testing.T) {
	relay := newTestRelay(t, nil)
	now := int64(1_000_000)
	relay.ingest(now, []api.VideoChunk{chunk("a", "peer", now)})

	relay.Discard()
	if feeds := relay.Feeds(now); len(feeds) != 0 {
		t.Fatalf("expected no feeds after discard, got %+v", feeds)
	}
}
