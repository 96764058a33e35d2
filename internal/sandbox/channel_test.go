package sandbox

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
)

func pipeChannel(t *testing.T) (Channel, *io.PipeWriter, *io.PipeReader) {
	t.Helper()
	// inbound: test writes agent output; outbound: test reads relay sends.
	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()
	ch := NewLineChannel(inReader, outWriter, logger.Default(), inReader, outWriter)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, inWriter, outReader
}

func TestChannelReceiveParsesLines(t *testing.T) {
	ch, agentOut, _ := pipeChannel(t)

	go func() {
		_, _ = agentOut.Write([]byte(`{"type":"message_chunk","text":"hi"}` + "\n"))
	}()

	msg, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, "message_chunk", msg.Type())
}

func TestChannelSkipsUnparseableLines(t *testing.T) {
	ch, agentOut, _ := pipeChannel(t)

	go func() {
		_, _ = agentOut.Write([]byte("not json\n"))
		_, _ = agentOut.Write([]byte(`{"type":"ok"}` + "\n"))
	}()

	msg, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Type(), "a parse error must not close the channel")
}

func TestChannelSendWritesOneLine(t *testing.T) {
	ch, _, relayOut := pipeChannel(t)

	go func() {
		require.NoError(t, ch.Send([]byte(`{"type":"prompt"}`)))
	}()

	buf := make([]byte, 64)
	n, err := relayOut.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"prompt"}`+"\n", string(buf[:n]))
}

func TestChannelSendIsAtomicAcrossGoroutines(t *testing.T) {
	ch, _, relayOut := pipeChannel(t)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ch.Send([]byte(`{"type":"prompt","message":"aaaaaaaaaaaaaaaaaaaaaaaa"}`))
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		_ = ch.Close()
		close(done)
	}()

	// Every received line must be a complete frame.
	reader := NewLineChannel(relayOut, io.Discard, logger.Default())
	count := 0
	for {
		msg, err := reader.Receive()
		if err != nil {
			break
		}
		assert.Equal(t, "prompt", msg.Type())
		count++
	}
	<-done
	assert.Equal(t, writers, count)
}

func TestChannelCloseIsTerminalAndIdempotent(t *testing.T) {
	ch, _, _ := pipeChannel(t)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	err := ch.Send([]byte(`{"type":"x"}`))
	assert.ErrorIs(t, err, ErrChannelClosed)

	_, err = ch.Receive()
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestDrainLines(t *testing.T) {
	r, w := io.Pipe()
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		DrainLines(r, func(line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		})
		close(done)
	}()

	_, _ = w.Write([]byte("warn: low memory\npanic averted\n"))
	_ = w.Close()
	<-done

	assert.Equal(t, []string{"warn: low memory", "panic averted"}, got)
}
