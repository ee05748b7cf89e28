package video

import (
	"testing"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
)

func queueOf(ids ...string) []api.VideoChunk {
	chunks := make([]api.VideoChunk, 0, len(ids))
	for i, id := range ids {
		chunks = append(chunks, api.VideoChunk{ID: id, CID: "peer", TS: int64(i) * 1000})
	}
	return chunks
}

func currentID(t *testing.T, p *Player) string {
	t.Helper()
	chunk, ok := p.Current()
	if !ok {
		t.Fatalf("expected a current chunk")
	}
	return chunk.ID
}

func TestPlayerStartsEmpty(t *testing.T) {
	p := NewPlayer()
	if p.State() != PlayerEmpty {
		t.Fatalf("state = %v, want empty", p.State())
	}
	if _, ok := p.Current(); ok {
		t.Fatalf("expected no current chunk")
	}
}

func TestPlayerBuffersFirstArrivalThenPlays(t *testing.T) {
	p := NewPlayer()
	p.SetQueue(queueOf("a", "b"))
	if p.State() != PlayerBuffering {
		t.Fatalf("state = %v, want buffering", p.State())
	}
	if got := currentID(t, p); got != "a" {
		t.Fatalf("current = %q, want a", got)
	}

	p.OnReady()
	if p.State() != PlayerPlaying {
		t.Fatalf("state = %v, want playing", p.State())
	}
}

func TestPlayerAdvancesOnEnded(t *testing.T) {
	p := NewPlayer()
	p.SetQueue(queueOf("a", "b", "c"))
	p.OnReady()

	p.OnEnded()
	if p.State() != PlayerBuffering {
		t.Fatalf("state = %v, want buffering between chunks", p.State())
	}
	if got := currentID(t, p); got != "b" {
		t.Fatalf("current = %q, want b", got)
	}
}

func TestPlayerSkipsFailedChunk(t *testing.T) {
	p := NewPlayer()
	p.SetQueue(queueOf("a", "b"))

	p.OnError()
	if got := currentID(t, p); got != "b" {
		t.Fatalf("current = %q, want b after skipping failed chunk", got)
	}
	if p.State() != PlayerBuffering {
		t.Fatalf("state = %v, want buffering", p.State())
	}
}

func TestPlayerLoopsOnExhaustion(t *testing.T) {
	p := NewPlayer()
	p.SetQueue(queueOf("a", "b"))
	p.OnReady()

	p.OnEnded()
	p.OnEnded()
	if got := currentID(t, p); got != "a" {
		t.Fatalf("current = %q, want loop back to a", got)
	}
	if p.State() != PlayerBuffering {
		t.Fatalf("state = %v, want buffering", p.State())
	}
}

func TestPlayerKeepsPositionAcrossQueueRefresh(t *testing.T) {
	p := NewPlayer()
	p.SetQueue(queueOf("a", "b"))
	p.OnReady()
	p.OnEnded() // now on b

	p.SetQueue(queueOf("a", "b", "c"))
	if got := currentID(t, p); got != "b" {
		t.Fatalf("current = %q, want b after refresh", got)
	}
}

func TestPlayerResetsWhenCurrentChunkExpires(t *testing.T) {
	p := NewPlayer()
	p.SetQueue(queueOf("a", "b"))
	p.OnReady()

	p.SetQueue(queueOf("c", "d"))
	if got := currentID(t, p); got != "c" {
		t.Fatalf("current = %q, want c", got)
	}
	if p.State() != PlayerBuffering {
		t.Fatalf("state = %v, want buffering for the replacement chunk", p.State())
	}
}

func TestPlayerEmptiesWhenQueueDrains(t *testing.T) {
	p := NewPlayer()
	p.SetQueue(queueOf("a"))
	p.OnReady()

	p.SetQueue(nil)
	if p.State() != PlayerEmpty {
		t.Fatalf("state = %v, want empty", p.State())
	}
}
