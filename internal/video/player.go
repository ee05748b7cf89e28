package video

import "github.com/MarcoPoloResearchLab/backchannel/internal/api"

// PlayerState is the playback phase of one remote peer tile.
type PlayerState int

const (
	PlayerEmpty PlayerState = iota
	PlayerBuffering
	PlayerPlaying
)

func (s PlayerState) String() string {
	switch s {
	case PlayerEmpty:
		return "empty"
	case PlayerBuffering:
		return "buffering"
	case PlayerPlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Player sequences one peer's buffered segments: empty until chunks exist,
// buffering while a segment loads, playing until it ends, then on to the
// next. A failed segment is skipped rather than stalled on, and an
// exhausted queue loops back to the first buffered segment since new
// segments keep arriving asynchronously.
type Player struct {
	state PlayerState
	queue []api.VideoChunk
	index int
}

func NewPlayer() *Player {
	return &Player{state: PlayerEmpty}
}

// State returns the current playback phase.
func (p *Player) State() PlayerState {
	return p.state
}

// Current returns the segment being buffered or played.
func (p *Player) Current() (api.VideoChunk, bool) {
	if p.state == PlayerEmpty || p.index >= len(p.queue) {
		return api.VideoChunk{}, false
	}
	return p.queue[p.index], true
}

// SetQueue replaces the segment queue from a fresh relay feed, keeping the
// position on the current segment when it survives the swap.
func (p *Player) SetQueue(chunks []api.VideoChunk) {
	current, playing := p.Current()
	p.queue = chunks
	if len(p.queue) == 0 {
		p.state = PlayerEmpty
		p.index = 0
		return
	}
	if playing {
		for i, chunk := range p.queue {
			if chunk.ID == current.ID {
				p.index = i
				return
			}
		}
	}
	p.index = 0
	if p.state == PlayerEmpty || playing {
		p.state = PlayerBuffering
	}
}

// OnReady marks the current segment as loaded and playing.
func (p *Player) OnReady() {
	if p.state == PlayerBuffering {
		p.state = PlayerPlaying
	}
}

// OnEnded advances to the next segment, looping to the start of the queue
// when it is exhausted.
func (p *Player) OnEnded() {
	p.advance()
}

// OnError skips the segment that failed to load.
func (p *Player) OnError() {
	p.advance()
}

func (p *Player) advance() {
	if len(p.queue) == 0 {
		p.state = PlayerEmpty
		p.index = 0
		return
	}
	p.index++
	if p.index >= len(p.queue) {
		p.index = 0
	}
	p.state = PlayerBuffering
}
