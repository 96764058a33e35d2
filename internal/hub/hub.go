// Package hub multiplexes one sandbox channel per session onto N client
// connections: commands in through a FIFO, events out through
// journal-then-fanout.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/journal"
	"github.com/relaydev/relay/internal/sandbox"
	"github.com/relaydev/relay/internal/session"
	"github.com/relaydev/relay/pkg/protocol"
)

// writerQueueSize bounds the per-session outbound command FIFO.
const writerQueueSize = 256

// replayBatchLimit is the page size used when streaming journal history to a
// late-joining client.
const replayBatchLimit = 500

// correlatedCommands are the RPC-style commands that expect a response frame
// carrying the same command tag. Ordinary stream commands (prompt) produce
// journaled events and never register a correlation.
var correlatedCommands = map[string]bool{
	"set_model": true,
	"abort":     true,
}

// Attacher opens the RPC channel for a session's sandbox.
type Attacher interface {
	Attach(ctx context.Context, sessionID string) (sandbox.Channel, error)
}

// attachment is one live channel with its pump lifetime. A failed channel is
// never reused; activate builds a new attachment.
type attachment struct {
	ch       sandbox.Channel
	stop     chan struct{}
	failOnce sync.Once
}

// Hub owns exactly one session's sandbox channel and its connected clients.
type Hub struct {
	sessionID string
	journal   journal.Journal
	sessions  *session.Service
	attacher  Attacher
	logger    *logger.Logger

	// outbound is the session's command FIFO. It survives reattachment so
	// command order holds across a sandbox restart.
	outbound chan []byte

	mu             sync.Mutex
	clients        map[string]*Client
	attached       *attachment
	correlations   map[string]string // command tag -> origin client id
	capabilities   map[string]bool   // from the agent's ready hello
	lastClientGone time.Time
	closed         bool
}

// New creates a hub for one session.
func New(sessionID string, j journal.Journal, sessions *session.Service, attacher Attacher, log *logger.Logger) *Hub {
	return &Hub{
		sessionID: sessionID,
		journal:   j,
		sessions:  sessions,
		attacher:  attacher,
		logger: log.WithFields(
			zap.String("component", "hub"),
			zap.String("session_id", sessionID)),
		outbound:     make(chan []byte, writerQueueSize),
		clients:      make(map[string]*Client),
		correlations: make(map[string]string),
		capabilities: make(map[string]bool),
	}
}

// SessionID returns the owning session.
func (h *Hub) SessionID() string { return h.sessionID }

// EnsureAttached opens the sandbox channel and starts the reader and writer
// pumps. No-op when already attached.
func (h *Hub) EnsureAttached(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return apperrors.NewConflict("session hub is closed")
	}
	if h.attached != nil {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ch, err := h.attacher.Attach(ctx, h.sessionID)
	if err != nil {
		return err
	}

	a := &attachment{ch: ch, stop: make(chan struct{})}

	h.mu.Lock()
	if h.closed || h.attached != nil {
		h.mu.Unlock()
		_ = ch.Close()
		if h.attached != nil {
			return nil
		}
		return apperrors.NewConflict("session hub is closed")
	}
	h.attached = a
	h.mu.Unlock()

	go h.readPump(a)
	go h.writePump(a)
	return nil
}

// Attached reports whether a live channel is bound.
func (h *Hub) Attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attached != nil
}

// Connect registers a client and streams its replay. The returned client's
// Outbound carries, in order: connected, then replay_start/events/replay_end
// when the client is behind, then live events in ascending seq.
func (h *Hub) Connect(ctx context.Context, clientID string, clientLastSeq int64) (*Client, error) {
	c := newClient(clientID, h)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, apperrors.NewConflict("session hub is closed")
	}
	c.replaying = true
	h.clients[clientID] = c
	h.mu.Unlock()

	currentLastSeq, err := h.journal.LastSeq(ctx, h.sessionID)
	if err != nil {
		h.detachClient(c)
		return nil, apperrors.NewJournalError("failed to read journal cursor", err)
	}

	h.enqueueJSON(c, protocol.NewConnected(h.sessionID, currentLastSeq))

	if clientLastSeq < currentLastSeq {
		if err := h.replay(ctx, c, clientLastSeq, currentLastSeq); err != nil {
			h.detachClient(c)
			return nil, err
		}
	}
	c.finishReplay(currentLastSeq)
	return c, nil
}

func (h *Hub) replay(ctx context.Context, c *Client, afterSeq, upTo int64) error {
	h.enqueueJSON(c, protocol.ControlFrame{Type: protocol.FrameReplayStart})

	cursor := afterSeq
	for cursor < upTo {
		events, _, err := h.journal.RangeAfter(ctx, h.sessionID, cursor, replayBatchLimit)
		if err != nil {
			return apperrors.NewJournalError("failed to read journal range", err)
		}
		// No rows at or below upTo means the rest of the window was pruned;
		// without this check the cursor would never advance.
		if len(events) == 0 || events[0].Seq > upTo {
			break
		}
		for _, ev := range events {
			if ev.Seq > upTo {
				break
			}
			msg, err := protocol.Decode(ev.Payload)
			if err != nil {
				h.logger.Warn("skipping unparseable journaled event",
					zap.Int64("seq", ev.Seq),
					zap.Error(err))
				cursor = ev.Seq
				continue
			}
			data, err := msg.WithSeq(ev.Seq)
			if err != nil {
				return apperrors.NewInternalError("failed to encode replayed event", err)
			}
			c.enqueue(data)
			cursor = ev.Seq
		}
	}

	h.enqueueJSON(c, protocol.ControlFrame{Type: protocol.FrameReplayEnd})
	return nil
}

// SendCommand forwards one client command to the agent through the FIFO.
// Correlated commands register the sender so a response carrying the same
// tag comes back to this client only.
func (h *Hub) SendCommand(clientID string, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return apperrors.NewValidationError("command is not a JSON object: " + err.Error())
	}
	cmdType := msg.Type()
	if cmdType == "" {
		return apperrors.NewValidationError("command has no type")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return apperrors.NewConflict("session hub is closed")
	}
	attached := h.attached != nil
	if cmdType == "set_model" && len(h.capabilities) > 0 && !h.capabilities["set_model"] {
		client := h.clients[clientID]
		h.mu.Unlock()
		// The agent told us at hello time it cannot switch models at
		// runtime; answer locally instead of forwarding.
		if client != nil {
			h.enqueueJSON(client, map[string]any{
				"type":    protocol.FrameResponse,
				"command": "set_model",
				"ok":      false,
				"error":   "agent does not support runtime model switching",
			})
		}
		return nil
	}
	if correlatedCommands[cmdType] {
		h.correlations[cmdType] = clientID
	}
	h.mu.Unlock()

	if !attached {
		return apperrors.NewSandboxChannelError("session has no live sandbox channel", nil)
	}

	select {
	case h.outbound <- raw:
		h.sessions.Touch(h.sessionID)
		return nil
	default:
		return apperrors.NewClientBackpressureTimeout(clientID)
	}
}

// readPump consumes the sandbox channel: journal-then-fanout for events,
// correlation steering for responses.
func (h *Hub) readPump(a *attachment) {
	for {
		msg, err := a.ch.Receive()
		if err != nil {
			h.channelFailed(a, err)
			return
		}
		h.handleAgentMessage(msg)
	}
}

func (h *Hub) writePump(a *attachment) {
	for {
		select {
		case <-a.stop:
			return
		case data := <-h.outbound:
			if err := a.ch.Send(data); err != nil {
				h.channelFailed(a, err)
				return
			}
		}
	}
}

func (h *Hub) handleAgentMessage(msg protocol.Message) {
	if msg.Type() == protocol.TypeReady {
		h.recordCapabilities(msg)
	}

	if cmd := msg.Command(); cmd != "" {
		h.routeResponse(cmd, msg)
		return
	}

	h.journalAndFanout(msg)
}

func (h *Hub) recordCapabilities(msg protocol.Message) {
	caps := msg.Capabilities()
	h.mu.Lock()
	h.capabilities = make(map[string]bool, len(caps))
	for _, c := range caps {
		h.capabilities[c] = true
	}
	h.mu.Unlock()
}

// routeResponse steers a correlated RPC response to its origin client only.
// Responses are not journaled.
func (h *Hub) routeResponse(cmd string, msg protocol.Message) {
	h.mu.Lock()
	clientID, ok := h.correlations[cmd]
	if ok {
		delete(h.correlations, cmd)
	}
	client := h.clients[clientID]
	h.mu.Unlock()

	if !ok || client == nil {
		h.logger.Debug("dropping response with no pending command",
			zap.String("command", cmd))
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	client.enqueue(data)
}

// journalAndFanout appends the event, then delivers it to every client with
// its seq attached. The append completes before any client can observe the
// event, so anything a client has seen is also replayable.
func (h *Hub) journalAndFanout(msg protocol.Message) {
	payload, err := msg.Encode()
	if err != nil {
		h.logger.Warn("failed to encode agent event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seq, err := h.journal.Append(ctx, h.sessionID, msg.Type(), payload)
	if errors.Is(err, journal.ErrConflict) {
		seq, err = h.journal.Append(ctx, h.sessionID, msg.Type(), payload)
	}
	if err != nil {
		// Losing an event would break the journal's dense sequence;
		// surface instead of hiding.
		h.logger.Error("journal append failed twice, detaching",
			zap.Error(err))
		h.failSession("event journaling failed: " + err.Error())
		return
	}

	data, err := msg.WithSeq(seq)
	if err != nil {
		h.logger.Warn("failed to attach seq to event", zap.Error(err))
		return
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueueEvent(seq, data)
	}
	h.sessions.Touch(h.sessionID)
}

// channelFailed handles an unexpected channel close: broadcast one error
// frame, mark the session, transition to detached.
func (h *Hub) channelFailed(a *attachment, cause error) {
	a.failOnce.Do(func() {
		close(a.stop)
		_ = a.ch.Close()

		h.mu.Lock()
		wasCurrent := h.attached == a
		closed := h.closed
		if wasCurrent {
			h.attached = nil
		}
		h.mu.Unlock()

		if !wasCurrent || closed {
			return
		}

		h.logger.Warn("sandbox channel closed unexpectedly", zap.Error(cause))
		h.broadcast(protocol.NewError("sandbox channel closed: " + cause.Error()))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.sessions.MarkError(ctx, h.sessionID); err != nil {
			h.logger.Error("failed to mark session error", zap.Error(err))
		}
	})
}

// failSession is channelFailed for journal-integrity failures: same client
// visibility, plus the channel is torn down.
func (h *Hub) failSession(message string) {
	h.mu.Lock()
	a := h.attached
	h.attached = nil
	h.mu.Unlock()

	if a != nil {
		a.failOnce.Do(func() {
			close(a.stop)
			_ = a.ch.Close()
		})
	}

	h.broadcast(protocol.NewError(message))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sessions.MarkError(ctx, h.sessionID); err != nil {
		h.logger.Error("failed to mark session error", zap.Error(err))
	}
}

func (h *Hub) broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.enqueue(data)
	}
}

func (h *Hub) enqueueJSON(c *Client, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// detachClient removes a client. The sandbox keeps running; the reaper
// decides what an empty hub means.
func (h *Hub) detachClient(c *Client) {
	h.mu.Lock()
	if existing, ok := h.clients[c.id]; ok && existing == c {
		delete(h.clients, c.id)
		for cmd, owner := range h.correlations {
			if owner == c.id {
				delete(h.correlations, cmd)
			}
		}
		if len(h.clients) == 0 {
			h.lastClientGone = time.Now().UTC()
		}
	}
	h.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close shuts the hub down for archive, delete, or relay shutdown: the
// channel closes cleanly and all clients are disconnected. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	a := h.attached
	h.attached = nil
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	if a != nil {
		a.failOnce.Do(func() {
			close(a.stop)
			_ = a.ch.Close()
		})
	}
	for _, c := range clients {
		c.closeOnce.Do(func() { close(c.done) })
	}
}

// String implements fmt.Stringer for debug logging.
func (h *Hub) String() string {
	return fmt.Sprintf("hub(%s)", h.sessionID)
}
