// Package cli holds the pieces shared by chunkflow's command-line tools:
// named contexts that point at a server, output formatting, request file
// loading and terminal rendering.
//
// Contexts live in ~/.chunkflow/<app>/config.yaml, one per server, in the
// manner of kubectl:
//
//	cfg, err := cli.LoadConfig("chunkflow")
//	c, err := cfg.ResolveContext("")
//	url, err := c.SessionURL("demo")
package cli
