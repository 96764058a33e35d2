// Package sandbox provides the provider abstraction over heterogeneous agent
// runtimes and the line-delimited JSON channel they all speak.
package sandbox

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/pkg/protocol"
)

// ErrChannelClosed is returned by Send and Receive once the channel has
// terminated. Terminal; the hub rebuilds the sandbox to recover.
var ErrChannelClosed = errors.New("sandbox: channel closed")

// maxLineSize bounds a single agent emission. Agents that stream larger
// payloads chunk them.
const maxLineSize = 1024 * 1024

// Channel is a bidirectional stream of newline-delimited JSON objects
// between the hub and the agent.
type Channel interface {
	// Send writes one JSON object as a single line, atomically with
	// respect to other Send calls. Blocks on transport backpressure.
	Send(msg []byte) error

	// Receive blocks for the next parsed object. Lines that fail JSON
	// parsing are logged and skipped without closing the channel. Returns
	// ErrChannelClosed at end of stream.
	Receive() (protocol.Message, error)

	// Close shuts the transport down. Idempotent.
	Close() error
}

// lineChannel adapts any byte stream pair to the Channel contract. It backs
// the process (stdin/stdout), in-memory, and pipe based transports.
type lineChannel struct {
	writeMu sync.Mutex
	w       io.Writer
	scanner *bufio.Scanner

	closeOnce sync.Once
	closed    chan struct{}
	closers   []io.Closer

	logger *logger.Logger
}

// NewLineChannel wraps a reader/writer pair. All closers are closed exactly
// once on Close, in order.
func NewLineChannel(r io.Reader, w io.Writer, log *logger.Logger, closers ...io.Closer) Channel {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &lineChannel{
		w:       w,
		scanner: scanner,
		closed:  make(chan struct{}),
		closers: closers,
		logger:  log.WithFields(zap.String("component", "sandbox-channel")),
	}
}

func (c *lineChannel) Send(msg []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// One write call per line keeps frames atomic across senders.
	if _, err := c.w.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("channel send: %w", err)
	}
	return nil
}

func (c *lineChannel) Receive() (protocol.Message, error) {
	for {
		select {
		case <-c.closed:
			return nil, ErrChannelClosed
		default:
		}

		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				c.logger.Warn("channel read failed", zap.Error(err))
			}
			return nil, ErrChannelClosed
		}

		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			// Parse errors are not terminal. Partial lines at close
			// never get here because Scan already returned false.
			c.logger.Warn("discarding unparseable agent line",
				zap.Int("bytes", len(line)),
				zap.Error(err))
			continue
		}
		return msg, nil
	}
}

func (c *lineChannel) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		close(c.closed)
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// DrainLines reads r line by line into sink until EOF. Used for sandbox
// stderr capture into the log ring.
func DrainLines(r io.Reader, sink func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		sink(scanner.Text())
	}
}
