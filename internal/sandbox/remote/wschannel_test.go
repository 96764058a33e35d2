package remote

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/sandbox"
)

// echoAgentServer upgrades and answers every prompt with a chunk and an end
// marker, like the remote exec endpoint does.
func echoAgentServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready"}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"prompt"`) {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message_chunk","text":"pong"}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"agent_end"}`))
			} else {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response","command":"set_model"}`))
			}
		}
	}))
}

func dialChannel(t *testing.T, server *httptest.Server) sandbox.Channel {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	ch := newWSChannel(conn, nil, logger.Default())
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestWSChannelRoundtrip(t *testing.T) {
	server := echoAgentServer(t)
	defer server.Close()
	ch := dialChannel(t, server)

	hello, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ready", hello.Type())

	require.NoError(t, ch.Send([]byte(`{"type":"prompt","message":"ping"}`)))

	chunk, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, "message_chunk", chunk.Type())

	end, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, "agent_end", end.Type())
}

func TestWSChannelSkipsUnparseableMessages(t *testing.T) {
	server := echoAgentServer(t)
	defer server.Close()
	ch := dialChannel(t, server)

	_, err := ch.Receive() // ready
	require.NoError(t, err)

	require.NoError(t, ch.Send([]byte(`{"type":"set_model"}`)))

	msg, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, "response", msg.Type(), "a bad frame must not close the channel")
	assert.Equal(t, "set_model", msg.Command())
}

func TestWSChannelCloseIsTerminalAndIdempotent(t *testing.T) {
	server := echoAgentServer(t)
	defer server.Close()
	ch := dialChannel(t, server)

	released := false
	wsc := ch.(*wsChannel)
	wsc.onClose = func() { released = true }

	require.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
	assert.True(t, released)

	err := ch.Send([]byte(`{"type":"x"}`))
	assert.ErrorIs(t, err, sandbox.ErrChannelClosed)

	_, err = ch.Receive()
	assert.ErrorIs(t, err, sandbox.ErrChannelClosed)
}
