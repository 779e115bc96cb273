// Command eventload loads neutron event containers and generates synthetic
// ones.
//
// Usage:
//
//	eventload synth --banks 8 --events 1000000 run.evnx
//	eventload load --workers 8 --split --compress-tol 0.05 run.evnx
//
// Every flag can also be set in a YAML file passed with --config or through
// an EVENTLOAD_ environment variable (EVENTLOAD_WORKERS, EVENTLOAD_TOF_MAX).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
