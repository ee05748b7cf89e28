package monitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingChatStatus = errors.New("chat status dependency required")

// ChatStatus is the slice of the chat session the monitor reads.
type ChatStatus interface {
	LinkOnline() bool
	Watermark() int64
	OutboxDepth() int
	Unread() int
}

// RosterStatus reports the current presence roster size.
type RosterStatus interface {
	OnlineCount() int
}

// PeerStatus reports the number of video peers with recent chunks.
type PeerStatus interface {
	ActivePeers(now int64) int
}

// Dependencies collects the running components the status surface reads
// from. Roster and Peers are optional; absent components report zero.
type Dependencies struct {
	Chat   ChatStatus
	Roster RosterStatus
	Peers  PeerStatus
	Logger *zap.Logger
}

type statusPayload struct {
	Link        string `json:"link"`
	Watermark   int64  `json:"watermark"`
	OutboxDepth int    `json:"outbox_depth"`
	Unread      int    `json:"unread"`
	Online      int    `json:"online"`
	ActivePeers int    `json:"active_peers"`
}

// NewHTTPHandler builds the local observability surface: a single status
// endpoint describing the synchronization engine's health.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Chat == nil {
		return nil, errMissingChatStatus
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{deps: deps, logger: logger}
	router.GET("/status", handler.handleStatus)

	return router, nil
}

type httpHandler struct {
	deps   Dependencies
	logger *zap.Logger
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	link := "offline"
	if h.deps.Chat.LinkOnline() {
		link = "online"
	}
	payload := statusPayload{
		Link:        link,
		Watermark:   h.deps.Chat.Watermark(),
		OutboxDepth: h.deps.Chat.OutboxDepth(),
		Unread:      h.deps.Chat.Unread(),
	}
	if h.deps.Roster != nil {
		payload.Online = h.deps.Roster.OnlineCount()
	}
	if h.deps.Peers != nil {
		payload.ActivePeers = h.deps.Peers.ActivePeers(time.Now().UnixMilli())
	}
	c.JSON(http.StatusOK, payload)
}
