package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rapart/apkqueue/internal/domain"

	"github.com/nats-io/nats.go"
)

type publisher struct {
	js     nats.JetStreamContext
	prefix string
}

// New publishes each event on "<prefix>.<type>".
func New(js nats.JetStreamContext, prefix string) *publisher {
	return &publisher{
		js:     js,
		prefix: prefix,
	}
}

func Subject(prefix string, t domain.EventType) string {
	return prefix + "." + string(t)
}

func (p *publisher) Publish(ctx context.Context, ev domain.TaskEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("event without id")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	msg := &nats.Msg{
		Subject: Subject(p.prefix, ev.Type),
		Data:    data,
		Header:  nats.Header{},
	}
	// JetStream drops duplicates carrying the same id inside its window.
	msg.Header.Set(nats.MsgIdHdr, ev.ID)

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s event for %s: %w", ev.Type, ev.Hash, err)
	}

	slog.Debug(
		"task event published",
		slog.String("hash", ev.Hash),
		slog.String("subject", msg.Subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)

	return nil
}

// Discard drops every event. It stands in when NATS is not configured.
type Discard struct{}

func (Discard) Publish(context.Context, domain.TaskEvent) error { return nil }
