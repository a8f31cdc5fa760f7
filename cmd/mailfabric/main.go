package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/mailfabric/internal/config"
)

const usage = "usage: mailfabric transfer|mailbox|nameserver|monitor|client [flags] [args]\n"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	subcommand, args := os.Args[1], os.Args[2:]

	switch role := config.Role(subcommand); role {
	case config.RoleTransfer, config.RoleMailbox, config.RoleNameserver, config.RoleMonitor:
		os.Exit(runNode(role, args))
	case config.RoleClient:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := runClient(ctx, args, os.Stdout)
		stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n%s", subcommand, usage)
		os.Exit(1)
	}
}
