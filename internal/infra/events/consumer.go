package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rapart/apkqueue/internal/domain"

	"github.com/nats-io/nats.go"
)

type HandlerFunc func(ctx context.Context, ev domain.TaskEvent) error

// fetchWait bounds one pull request; pull fetches need a deadline.
const fetchWait = 5 * time.Second

type ack int

const (
	ackDone ack = iota
	ackRetry
)

// Consumer reads task events from a durable JetStream pull consumer with a
// fixed number of workers.
type Consumer struct {
	js      nats.JetStreamContext
	stream  string
	subject string
	durable string
	workers int
	handle  HandlerFunc

	sub *nats.Subscription
	wg  sync.WaitGroup
}

func NewConsumer(
	js nats.JetStreamContext,
	stream, prefix, durable string,
	workers int,
	handle HandlerFunc,
) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		js:      js,
		stream:  stream,
		subject: prefix + ".>",
		durable: durable,
		workers: workers,
		handle:  handle,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	_, err := c.js.AddConsumer(c.stream, &nats.ConsumerConfig{
		Durable:       c.durable,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: c.subject,
		MaxAckPending: c.workers * 2,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return fmt.Errorf("add consumer %s: %w", c.durable, err)
	}

	sub, err := c.js.PullSubscribe(c.subject, c.durable, nats.Bind(c.stream, c.durable))
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", c.subject, err)
	}
	c.sub = sub

	c.wg.Add(c.workers)
	for range c.workers {
		go func() {
			defer c.wg.Done()
			c.runWorker(ctx)
		}()
	}

	slog.Info("event consumer is running",
		slog.Int("workers", c.workers),
		slog.String("subject", c.subject),
		slog.String("durable", c.durable),
	)
	return nil
}

// Stop waits for the workers, which exit once ctx passed to Run is done.
func (c *Consumer) Stop() {
	c.wg.Wait()

	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			slog.Warn("NATS subscription drain", slog.String("error", err.Error()))
		}
	}

	slog.Info("event consumer stopped")
}

func (c *Consumer) runWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := c.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			slog.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			var err error
			switch c.dispatch(ctx, msg.Data) {
			case ackRetry:
				err = msg.Nak()
			default:
				err = msg.Ack()
			}
			if err != nil {
				slog.Warn("NATS ack", slog.String("error", err.Error()))
			}
		}
	}
}

// dispatch decodes and handles one message. Undecodable messages are
// acknowledged so they are not redelivered forever.
func (c *Consumer) dispatch(ctx context.Context, data []byte) ack {
	var ev domain.TaskEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Error("decode task event", slog.String("error", err.Error()))
		return ackDone
	}

	if err := c.handle(ctx, ev); err != nil {
		slog.Error("handle task event",
			slog.String("id", ev.ID),
			slog.String("type", string(ev.Type)),
			slog.String("hash", ev.Hash),
			slog.String("error", err.Error()),
		)
		return ackRetry
	}
	return ackDone
}
