// Command conductor supervises a fleet of external worker processes
// coordinating over the MCP tool surface.
//
// Usage:
//
//	conductor serve --config conductor.yaml
//	conductor roster validate roster.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	conductor "github.com/arclance/conductor"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Run the orchestrator."`
	Roster  RosterCmd  `cmd:"" help:"Inspect or validate a roster file."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose; any other value uses slog's plain text format)." default:"text"`
}

// VersionCmd prints the running build's version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Println(conductor.GetVersion().String())
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("conductor"),
		kong.Description("Orchestrates a fleet of LLM-driven worker processes over an MCP tool surface."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

// rootContext returns a context cancelled on SIGINT/SIGTERM.
func rootContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "conductor: shutting down")
		cancel()
	}()
	return ctx, cancel
}
