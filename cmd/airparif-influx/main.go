// Package main provides the airparif-influx command: it reads Airparif air
// quality indices and prints them as InfluxDB line protocol.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
