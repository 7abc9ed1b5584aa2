// Command crm-sync runs the realtime synchronization service of the CRM
// admin console.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shubhamb0439-gif/crm-admin/internal/cli"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cli.Version = version
	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
