package video

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
	"github.com/MarcoPoloResearchLab/backchannel/internal/transport"
)

const (
	// MaxChunksPerPeer bounds each per-peer buffer to the newest segments.
	MaxChunksPerPeer = 15

	// ChunkMaxAge drops segments older than this relative to server time.
	ChunkMaxAge = 15 * time.Second

	// InactiveThreshold flips a peer to inactive when no chunk has arrived
	// for this long; the next arrival flips it back.
	InactiveThreshold = 10 * time.Second

	// WarmStartWindow backdates the initial poll watermark so a joining
	// client picks up segments recorded shortly before it arrived.
	WarmStartWindow = 60 * time.Second
)

var (
	errMissingBackend = errors.New("backend client is required")
	errMissingRoom    = errors.New("room is required")
	errMissingSelf    = errors.New("self client id is required")
)

// Backend is the slice of the API client the relay needs.
type Backend interface {
	UploadChunk(ctx context.Context, room, cid string, blob []byte) (api.VideoChunk, error)
	PollChunks(ctx context.Context, room string, since int64, timeoutSeconds int) (api.ChunkBatch, error)
}

// PeerFeed is a point-in-time view of one remote peer's buffered segments.
type PeerFeed struct {
	CID      string
	Chunks   []api.VideoChunk
	Active   bool
	LastSeen int64
}

// Config wires a chunk relay for one room.
type Config struct {
	Backend Backend
	Room    string
	SelfCID string

	// OnUpdate fires after a poll cycle changes any peer buffer.
	OnUpdate func()

	Transport transport.Config
	Logger    *zap.Logger
}

// Relay uploads locally recorded media segments and polls for peers',
// maintaining a bounded ordered buffer and liveness flag per remote peer.
// It never buffers this client's own segments.
type Relay struct {
	cfg    Config
	clock  transport.Clock
	poller *transport.Poller

	mu    sync.Mutex
	peers map[string]*peerBuffer
}

type peerBuffer struct {
	chunks   []api.VideoChunk
	seen     map[string]struct{}
	lastSeen int64
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
	if cfg.Transport.Clock == nil {
		cfg.Transport.Clock = transport.SystemClock()
	}

	relay := &Relay{
		cfg:   cfg,
		clock: cfg.Transport.Clock,
		peers: make(map[string]*peerBuffer),
	}
	poller, err := transport.NewPoller(relay.pollOnce, cfg.Transport)
	if err != nil {
		return nil, err
	}
	relay.poller = poller
	return relay, nil
}

// Run drives the poll loop until ctx is cancelled. The watermark starts
// backdated by WarmStartWindow so recent pre-join segments are replayed.
func (r *Relay) Run(ctx context.Context) error {
	r.poller.SetWatermark(r.clock.Now().Add(-WarmStartWindow).UnixMilli())
	return r.poller.Run(ctx)
}

// Kick aborts the in-flight wait, forcing an immediate re-poll.
func (r *Relay) Kick() {
	r.poller.Kick()
}

// Upload stores one recorded segment with the relay.
func (r *Relay) Upload(ctx context.Context, blob []byte) (api.VideoChunk, error) {
	return r.cfg.Backend.UploadChunk(ctx, r.cfg.Room, r.cfg.SelfCID, blob)
}

func (r *Relay) pollOnce(ctx context.Context, since int64, timeoutSeconds int) (int64, error) {
	batch, err := r.cfg.Backend.PollChunks(ctx, r.cfg.Room, since, timeoutSeconds)
	if err != nil {
		return 0, err
	}
	now := batch.Now
	if now == 0 {
		now = r.clock.Now().UnixMilli()
	}
	if r.ingest(now, batch.Chunks) && r.cfg.OnUpdate != nil {
		r.cfg.OnUpdate()
	}
	return batch.Now, nil
}

// ingest folds one poll response into the per-peer buffers and reports
// whether anything changed.
func (r *Relay) ingest(now int64, chunks []api.VideoChunk) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, chunk := range chunks {
		if chunk.ID == "" || chunk.CID == "" || chunk.CID == r.cfg.SelfCID {
			continue
		}
		if chunk.Room != "" && chunk.Room != r.cfg.Room {
			continue
		}
		buffer := r.peers[chunk.CID]
		if buffer == nil {
			buffer = &peerBuffer{seen: make(map[string]struct{})}
			r.peers[chunk.CID] = buffer
		}
		if _, dup := buffer.seen[chunk.ID]; dup {
			continue
		}
		buffer.seen[chunk.ID] = struct{}{}
		buffer.chunks = append(buffer.chunks, chunk)
		if chunk.TS > buffer.lastSeen {
			buffer.lastSeen = chunk.TS
		}
		changed = true
	}

	cutoff := now - ChunkMaxAge.Milliseconds()
	for _, buffer := range r.peers {
		if buffer.prune(cutoff) {
			changed = true
		}
	}
	return changed
}

// prune drops expired segments, restores timestamp order and trims the
// buffer to the newest MaxChunksPerPeer. Reports whether it changed.
func (b *peerBuffer) prune(cutoff int64) bool {
	kept := b.chunks[:0]
	changed := false
	for _, chunk := range b.chunks {
		if chunk.TS < cutoff {
			delete(b.seen, chunk.ID)
			changed = true
			continue
		}
		kept = append(kept, chunk)
	}
	b.chunks = kept
	sort.SliceStable(b.chunks, func(i, j int) bool { return b.chunks[i].TS < b.chunks[j].TS })
	if excess := len(b.chunks) - MaxChunksPerPeer; excess > 0 {
		for _, chunk := range b.chunks[:excess] {
			delete(b.seen, chunk.ID)
		}
		b.chunks = append(b.chunks[:0], b.chunks[excess:]...)
		changed = true
	}
	return changed
}

// Feeds returns a snapshot of every known peer, ordered by client id.
// Liveness is recomputed against now on every read.
func (r *Relay) Feeds(now int64) []PeerFeed {
	r.mu.Lock()
	defer r.mu.Unlock()

	feeds := make([]PeerFeed, 0, len(r.peers))
	for cid, buffer := range r.peers {
		chunks := make([]api.VideoChunk, len(buffer.chunks))
		copy(chunks, buffer.chunks)
		feeds = append(feeds, PeerFeed{
			CID:      cid,
			Chunks:   chunks,
			Active:   now-buffer.lastSeen < InactiveThreshold.Milliseconds(),
			LastSeen: buffer.lastSeen,
		})
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].CID < feeds[j].CID })
	return feeds
}

// Active reports whether peer cid has delivered a chunk recently.
func (r *Relay) Active(cid string, now int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	buffer := r.peers[cid]
	return buffer != nil && now-buffer.lastSeen < InactiveThreshold.Milliseconds()
}

// ActivePeers counts peers with a chunk arrival within InactiveThreshold.
func (r *Relay) ActivePeers(now int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, buffer := range r.peers {
		if now-buffer.lastSeen < InactiveThreshold.Milliseconds() {
			count++
		}
	}
	return count
}

// Discard drops all buffered state, for use when leaving a room.
func (r *Relay) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*peerBuffer)
}
