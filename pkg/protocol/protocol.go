// Package protocol defines the wire types spoken on the two relay
// boundaries: the newline-delimited JSON channel between the relay and an
// agent process, and the WebSocket frames between the relay and clients.
//
// The relay treats agent messages as opaque beyond the fields declared here.
package protocol

import "encoding/json"

// Frame types sent from the relay to client WebSockets. Agent events pass
// through with their own type tag plus an attached "seq".
const (
	FrameConnected   = "connected"
	FrameReplayStart = "replay_start"
	FrameReplayEnd   = "replay_end"
	FrameResponse    = "response"
	FrameError       = "error"
)

// Agent message fields the relay inspects. Everything else is forwarded
// verbatim.
const (
	// FieldType is mandatory on every agent channel line.
	FieldType = "type"

	// FieldCommand correlates an RPC response to the client command that
	// caused it. Messages carrying it are routed to the origin client only
	// and are not journaled.
	FieldCommand = "command"
)

// Well-known agent message types. The set is open; these are the ones the
// relay or the mock agent produce themselves.
const (
	TypeReady    = "ready"
	TypeError    = "error"
	TypeAgentEnd = "agent_end"
)

// ConnectedFrame is the first frame on every client socket.
type ConnectedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	LastSeq   int64  `json:"lastSeq"`
}

// ControlFrame is a bare replay_start / replay_end marker.
type ControlFrame struct {
	Type string `json:"type"`
}

// ErrorFrame reports a hub or sandbox failure to a client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewConnected builds the connected frame for a session cursor.
func NewConnected(sessionID string, lastSeq int64) ConnectedFrame {
	return ConnectedFrame{Type: FrameConnected, SessionID: sessionID, LastSeq: lastSeq}
}

// NewError builds an error frame.
func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message}
}

// Message is a decoded agent channel line or client command: arbitrary JSON
// with a mandatory type tag.
type Message map[string]json.RawMessage

// Type returns the message's type tag, or "" when absent or malformed.
func (m Message) Type() string {
	return m.stringField(FieldType)
}

// Command returns the correlation tag, or "" for uncorrelated messages.
func (m Message) Command() string {
	return m.stringField(FieldCommand)
}

func (m Message) stringField(key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// WithSeq returns the message re-encoded with a seq field attached. The
// original map is not modified.
func (m Message) WithSeq(seq int64) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	seqJSON, err := json.Marshal(seq)
	if err != nil {
		return nil, err
	}
	out["seq"] = seqJSON
	return json.Marshal(out)
}

// Encode serializes the message to a single JSON object (no trailing newline).
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(map[string]json.RawMessage(m))
}

// Decode parses one channel line into a Message. The line must be a JSON
// object; any other JSON value is an error.
func Decode(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Capabilities returns the string list under "capabilities", used by the
// agent's ready hello to advertise optional RPCs such as set_model.
func (m Message) Capabilities() []string {
	raw, ok := m["capabilities"]
	if !ok {
		return nil
	}
	var caps []string
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil
	}
	return caps
}
