package main

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
)

const maxLineSize = 1024 * 1024

// agent is the scripted conversation partner. It holds a current model so
// set_model round-trips observably.
type agent struct {
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	model   string
}

func newAgent(in io.Reader, out io.Writer) *agent {
	return &agent{in: in, out: out, model: "mock-default"}
}

// hello advertises the optional RPCs this agent implements.
func (a *agent) hello() {
	a.emit(map[string]any{
		"type":         "ready",
		"capabilities": []string{"set_model", "abort"},
		"model":        a.model,
	})
}

func (a *agent) run() error {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		a.handle(msg)
	}
	return scanner.Err()
}

func (a *agent) handle(msg map[string]json.RawMessage) {
	switch stringField(msg, "type") {
	case "prompt":
		a.respondToPrompt(stringField(msg, "message"))
	case "set_model":
		if model := stringField(msg, "model"); model != "" {
			a.model = model
		}
		a.emit(map[string]any{
			"type":    "response",
			"command": "set_model",
			"ok":      true,
			"model":   a.model,
		})
	case "abort":
		a.emit(map[string]any{
			"type":    "response",
			"command": "abort",
			"ok":      true,
		})
	}
}

// respondToPrompt echoes the prompt back one word per chunk, then ends the
// turn. An empty prompt still produces one chunk so clients always see
// output before agent_end.
func (a *agent) respondToPrompt(text string) {
	words := strings.Fields(text)
	if len(words) == 0 {
		words = []string{"ok"}
	}
	for _, w := range words {
		a.emit(map[string]any{
			"type":  "message_chunk",
			"text":  w,
			"model": a.model,
		})
	}
	a.emit(map[string]any{"type": "agent_end"})
}

func (a *agent) emit(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, _ = a.out.Write(append(data, '\n'))
}

func stringField(msg map[string]json.RawMessage, key string) string {
	raw, ok := msg[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
