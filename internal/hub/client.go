package hub

import (
	"sync"
)

// clientSendBuffer bounds each client's outbound queue. A client that falls
// this far behind is disconnected rather than allowed to stall the fanout.
const clientSendBuffer = 256

// Client is one attached consumer of a session's event stream. The transport
// (a WebSocket adapter or a test) drains Outbound and watches Done; the hub
// only ever enqueues.
type Client struct {
	id  string
	hub *Hub

	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	replaying bool
	// pendingLive holds events fanned out while this client's replay is
	// still streaming; they are flushed after replay_end in seq order.
	pendingLive []pendingEvent
	lastSeq     int64

	closeOnce sync.Once
}

type pendingEvent struct {
	seq  int64
	data []byte
}

func newClient(id string, h *Hub) *Client {
	return &Client{
		id:   id,
		hub:  h,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the client's connection id.
func (c *Client) ID() string { return c.id }

// Outbound is the ordered stream of frames to deliver to the peer.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Done is closed when the hub disconnects the client, either on session
// teardown or on backpressure overflow.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close detaches the client from its hub. Called by the transport when the
// peer goes away; safe to call more than once.
func (c *Client) Close() { c.disconnect() }

// enqueue appends a frame to the client's queue. Overflow disconnects this
// client only.
func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.disconnect()
	}
}

// enqueueEvent delivers a journaled event, buffering it when the client is
// mid-replay. Events at or below the replay cursor are duplicates.
func (c *Client) enqueueEvent(seq int64, data []byte) {
	c.mu.Lock()
	if c.replaying {
		if len(c.pendingLive) >= clientSendBuffer {
			c.mu.Unlock()
			c.disconnect()
			return
		}
		c.pendingLive = append(c.pendingLive, pendingEvent{seq: seq, data: data})
		c.mu.Unlock()
		return
	}
	if seq <= c.lastSeq {
		c.mu.Unlock()
		return
	}
	c.lastSeq = seq
	c.mu.Unlock()
	c.enqueue(data)
}

// finishReplay flushes buffered live events and switches to direct delivery.
func (c *Client) finishReplay(replayedUpTo int64) {
	c.mu.Lock()
	c.lastSeq = replayedUpTo
	pending := c.pendingLive
	c.pendingLive = nil
	c.replaying = false
	toSend := make([][]byte, 0, len(pending))
	for _, ev := range pending {
		if ev.seq > c.lastSeq {
			c.lastSeq = ev.seq
			toSend = append(toSend, ev.data)
		}
	}
	c.mu.Unlock()

	for _, data := range toSend {
		c.enqueue(data)
	}
}

func (c *Client) disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	if c.hub != nil {
		c.hub.detachClient(c)
	}
}
