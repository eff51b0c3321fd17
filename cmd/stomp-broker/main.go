// Package main provides the STOMP broker server.
//
// Usage:
//
//	stomp-broker serve  [--config config.json]
//	stomp-broker report [--config config.json]
//	stomp-broker config init [--config config.json]
package main

import (
	"fmt"
	"os"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/cmd/stomp-broker/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
