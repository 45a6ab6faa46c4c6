// Command chunkflow serves and drives chunk stream sessions.
//
// Usage:
//
//	chunkflow [flags] <command> [args]
//
// Commands:
//
//	serve    - Run the session server
//	send     - Write chunks to a session channel
//	read     - Stream a session channel
//	run      - Run a pipeline locally or on the server
//	inspect  - Show the channels or archived records of a session
//	actions  - List the registered actions
//	config   - Manage contexts
//	version  - Show version information
//
// Configuration:
//
//	The CLI stores configuration in ~/.chunkflow/chunkflow/
//	Use 'chunkflow config' commands to manage contexts.
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/chunkflow/cmd/chunkflow/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
