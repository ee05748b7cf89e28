package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/chat"
)

const (
	chatPath  = "/api/chat"
	rtcPath   = "/api/rtc"
	videoPath = "/api/video_upload"
	csrfPath  = "/api/csrf"
)

var (
	ErrMissingBaseURL = errors.New("backend base url is required")

	// ErrUnauthorized covers a rejected CSRF token or missing admin
	// session. Callers must not retry; re-authentication is required.
	ErrUnauthorized = errors.New("backend rejected credentials")
)

// StatusError reports a non-2xx backend response. The transport inspects the
// code to distinguish overload (503) from plain failures when choosing a
// backoff ladder.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d", e.Code)
}

// IsOverloaded reports whether err is an HTTP 503 from the backend.
func IsOverloaded(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusServiceUnavailable
}

// PresenceUser is one roster entry. IP is populated only for admin viewers.
type PresenceUser struct {
	CID      string `json:"cid"`
	Name     string `json:"name"`
	IP       string `json:"ip,omitempty"`
	LastSeen int64  `json:"lastSeen"`
}

// Signal is one addressed relay envelope. Payload is opaque to the relay and
// to this client; consumers decode it by signal type.
type Signal struct {
	TS      int64           `json:"ts"`
	Room    string          `json:"room"`
	Channel string          `json:"channel,omitempty"`
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// VideoChunk describes one uploaded media segment held by the relay.
type VideoChunk struct {
	ID   string `json:"id"`
	CID  string `json:"cid"`
	Room string `json:"room"`
	URL  string `json:"url"`
	TS   int64  `json:"ts"`
}

// PollRequest parameterizes one chat poll cycle.
type PollRequest struct {
	Room           string
	Since          int64
	TimeoutSeconds int
	CID            string
	Name           string
	Presence       bool
}

// PollResponse is the chat poll payload. Mod is nil when the backend sent no
// directive.
type PollResponse struct {
	Messages []chat.Message  `json:"messages"`
	Now      int64           `json:"now"`
	Admin    bool            `json:"admin"`
	Mod      *chat.Directive `json:"mod,omitempty"`
	Presence []PresenceUser  `json:"presence,omitempty"`
}

// AdminResult is the response to an administrative command. Directive-bearing
// actions fill Mod; list_state fills the roster fields.
type AdminResult struct {
	Mod         *chat.Directive         `json:"mod,omitempty"`
	Now         int64                   `json:"now,omitempty"`
	Presence    []PresenceUser          `json:"presence,omitempty"`
	Banned      []string                `json:"banned,omitempty"`
	Muted       map[string]int64        `json:"muted,omitempty"`
	PausedUntil int64                   `json:"paused_until,omitempty"`
	Message     *chat.Message           `json:"message,omitempty"`
}

// SignalBatch is the signaling poll payload.
type SignalBatch struct {
	Now     int64    `json:"now"`
	Signals []Signal `json:"messages"`
}

// ChunkBatch is the video poll payload.
type ChunkBatch struct {
	Now    int64        `json:"now"`
	Chunks []VideoChunk `json:"chunks"`
}

// ClientConfig configures the backend HTTP client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a typed wrapper over the backend HTTP surface. The backend is an
// external collaborator; malformed payloads are coerced to zero values
// rather than surfaced as errors.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{httpClient: httpClient, baseURL: base}, nil
}

// ChatPoll issues one poll cycle. With TimeoutSeconds zero the backend
// answers immediately; otherwise it parks the request until new data exists
// or the timeout elapses.
func (c *Client) ChatPoll(ctx context.Context, req PollRequest) (PollResponse, error) {
	query := url.Values{}
	query.Set("room", req.Room)
	query.Set("since", strconv.FormatInt(req.Since, 10))
	query.Set("timeout", strconv.Itoa(req.TimeoutSeconds))
	query.Set("cid", req.CID)
	query.Set("name", req.Name)
	if req.Presence {
		query.Set("presence", "1")
	}
	var out PollResponse
	if err := c.do(ctx, http.MethodGet, chatPath+"?"+query.Encode(), nil, &out); err != nil {
		return PollResponse{}, err
	}
	return out, nil
}

// SendMessage delivers a locally authored message.
func (c *Client) SendMessage(ctx context.Context, room, cid string, message chat.Message) error {
	body := map[string]any{
		"room": room,
		"cid":  cid,
		"id":   message.ID,
		"name": message.Name,
		"text": message.Text,
	}
	return c.do(ctx, http.MethodPost, chatPath, body, nil)
}

// DeleteOwn removes one of the caller's own messages. The returned directive
// (if any) reflects the server-side deletion for cache filtering.
func (c *Client) DeleteOwn(ctx context.Context, room, id, cid string) (*chat.Directive, error) {
	body := map[string]any{"room": room, "action": "delete_own", "id": id, "cid": cid}
	var out AdminResult
	if err := c.do(ctx, http.MethodPost, chatPath, body, &out); err != nil {
		return nil, err
	}
	return out.Mod, nil
}

// AdminAction issues a CSRF-gated moderation command. A 401/403 maps to
// ErrUnauthorized so the admin surface can demand re-authentication instead
// of retrying.
func (c *Client) AdminAction(ctx context.Context, room, csrf, action string, params map[string]any) (AdminResult, error) {
	body := map[string]any{"room": room, "csrf": csrf, "action": action}
	for key, value := range params {
		body[key] = value
	}
	var out AdminResult
	if err := c.do(ctx, http.MethodPost, chatPath, body, &out); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden) {
			return AdminResult{}, ErrUnauthorized
		}
		return AdminResult{}, err
	}
	return out, nil
}

// FetchCSRF obtains the admin command token. The token's provenance (login
// session) is outside this client.
func (c *Client) FetchCSRF(ctx context.Context) (string, error) {
	var out struct {
		CSRF string `json:"csrf"`
	}
	if err := c.do(ctx, http.MethodGet, csrfPath, nil, &out); err != nil {
		return "", err
	}
	return out.CSRF, nil
}

// SendSignal publishes one addressed relay envelope.
func (c *Client) SendSignal(ctx context.Context, signal Signal) error {
	body := map[string]any{
		"room":    signal.Room,
		"channel": signal.Channel,
		"from":    signal.From,
		"to":      signal.To,
		"type":    signal.Type,
		"payload": signal.Payload,
	}
	return c.do(ctx, http.MethodPost, rtcPath, body, nil)
}

// PollSignals long-polls the relay for envelopes newer than since.
func (c *Client) PollSignals(ctx context.Context, room, client string, since int64, timeoutSeconds int) (SignalBatch, error) {
	query := url.Values{}
	query.Set("room", room)
	query.Set("client", client)
	query.Set("since", strconv.FormatInt(since, 10))
	query.Set("timeout", strconv.Itoa(timeoutSeconds))
	var out SignalBatch
	if err := c.do(ctx, http.MethodGet, rtcPath+"?"+query.Encode(), nil, &out); err != nil {
		return SignalBatch{}, err
	}
	return out, nil
}

// ChannelPresence reports the roster of a signaling channel.
func (c *Client) ChannelPresence(ctx context.Context, channel, client string) ([]PresenceUser, error) {
	query := url.Values{}
	query.Set("room", "rtc")
	query.Set("client", client)
	query.Set("since", "0")
	query.Set("timeout", "0")
	query.Set("presence_channel", channel)
	var out struct {
		Presence []PresenceUser `json:"presence"`
	}
	if err := c.do(ctx, http.MethodGet, rtcPath+"?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Presence, nil
}

// UploadChunk stores one recorded media segment with the relay and returns
// its descriptor.
func (c *Client) UploadChunk(ctx context.Context, room, cid string, blob []byte) (VideoChunk, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("room", room); err != nil {
		return VideoChunk{}, err
	}
	if err := writer.WriteField("cid", cid); err != nil {
		return VideoChunk{}, err
	}
	part, err := writer.CreateFormFile("chunk", "chunk.webm")
	if err != nil {
		return VideoChunk{}, err
	}
	if _, err := part.Write(blob); err != nil {
		return VideoChunk{}, err
	}
	if err := writer.Close(); err != nil {
		return VideoChunk{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+videoPath, &buf)
	if err != nil {
		return VideoChunk{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return VideoChunk{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return VideoChunk{}, &StatusError{Code: resp.StatusCode}
	}
	var out struct {
		Chunk *VideoChunk `json:"chunk"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Chunk == nil {
		return VideoChunk{}, errors.New("video upload returned no chunk descriptor")
	}
	return *out.Chunk, nil
}

// PollChunks long-polls the relay for media segments newer than since.
func (c *Client) PollChunks(ctx context.Context, room string, since int64, timeoutSeconds int) (ChunkBatch, error) {
	query := url.Values{}
	query.Set("room", room)
	query.Set("since", strconv.FormatInt(since, 10))
	query.Set("timeout", strconv.Itoa(timeoutSeconds))
	var out ChunkBatch
	if err := c.do(ctx, http.MethodGet, videoPath+"?"+query.Encode(), nil, &out); err != nil {
		return ChunkBatch{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return &StatusError{Code: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	// The backend is trusted for availability, not for shape: a malformed
	// payload degrades to zero values instead of failing the poll loop.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		zeroOut(out)
	}
	return nil
}

func zeroOut(out any) {
	switch v := out.(type) {
	case *PollResponse:
		*v = PollResponse{}
	case *AdminResult:
		*v = AdminResult{}
	case *SignalBatch:
		*v = SignalBatch{}
	case *ChunkBatch:
		*v = ChunkBatch{}
	}
}
