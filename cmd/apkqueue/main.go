package main

import (
	"context"
	"flag"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/rapart/apkqueue/internal/app"

	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	cfgPath := flag.String("config", "", "path to the YAML config (defaults to $APKQUEUE_CONFIG)")
	flag.Parse()

	if _, err := maxprocs.Set(); err != nil {
		slog.Warn("set GOMAXPROCS", slog.String("error", err.Error()))
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	a := app.New(ctx, *cfgPath)
	if err := a.Run(ctx); err != nil {
		panic(err)
	}
}
