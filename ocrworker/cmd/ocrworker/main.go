package main

import (
	"context"
	"os/signal"
	"syscall"

	wapp "github.com/you-humble/dococr/ocrworker/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	a := wapp.New(ctx)
	if err := a.Run(ctx); err != nil {
		panic(err)
	}
}
