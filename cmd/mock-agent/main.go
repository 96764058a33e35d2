// Package main implements a mock agent binary that speaks the relay's
// newline-delimited JSON protocol over stdin/stdout. It is baked into
// sandbox images for e2e testing: prompts come back as chunked echoes and
// correlated commands get immediate responses.
package main

import (
	"fmt"
	"os"
)

func main() {
	agent := newAgent(os.Stdin, os.Stdout)
	agent.hello()

	if err := agent.run(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}
