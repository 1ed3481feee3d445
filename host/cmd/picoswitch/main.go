package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"picoswitch/host/cmd/picoswitch/app"
	"picoswitch/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.NewPicoswitchCommand(ctx).Execute()
	stop()
	_ = log.Std().Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
