// Command eventtail prints the task lifecycle events apkqueue publishes to
// NATS JetStream, one JSON object per line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	natsq "github.com/rapart/apkqueue/core/libs/nats"
	"github.com/rapart/apkqueue/internal/domain"
	"github.com/rapart/apkqueue/internal/infra/config"
	"github.com/rapart/apkqueue/internal/infra/events"
)

func main() {
	cfgPath := flag.String("config", "", "path to the YAML config (defaults to $APKQUEUE_CONFIG)")
	durable := flag.String("durable", "apkqueue-eventtail", "durable consumer name")
	workers := flag.Int("workers", 1, "concurrent fetchers")
	flag.Parse()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	cfg := config.MustLoad(*cfgPath)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	nc, err := natsq.NewConnect(cfg.NATS.URL, natsq.Config{
		Name:          cfg.NATS.Name + "-eventtail",
		MaxReconnects: cfg.NATS.MaxReconnects,
	})
	if err != nil {
		log.Fatalf("NATS connect: %+v", err)
	}
	defer nc.Drain()

	js, err := nc.JetStream()
	if err != nil {
		log.Fatalf("JetStream: %+v", err)
	}

	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	consumer := events.NewConsumer(js, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, *durable, *workers,
		func(_ context.Context, ev domain.TaskEvent) error {
			mu.Lock()
			defer mu.Unlock()
			return enc.Encode(ev)
		},
	)

	if err := consumer.Run(ctx); err != nil {
		log.Fatalf("event consumer: %+v", err)
	}
	<-ctx.Done()
	consumer.Stop()
}
