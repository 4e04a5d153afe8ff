// Package main starts the newstalk chat gateway and handles termination.
//
// The process admits a bounded number of anonymous websocket clients and
// relays their messages through a shared pub/sub topic so several gateway
// instances form one chat room.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	newstalkcmd "github.com/assetplanner/newstalk/internal/cmd/newstalk"
)

func main() {
	cfg, err := newstalkcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[NEWSTALK] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newstalkcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
