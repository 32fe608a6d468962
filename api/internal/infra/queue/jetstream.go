package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const fetchWait = 5 * time.Second

type JetStreamConfig struct {
	Stream   string
	Subject  string
	Consumer string
	// AckWait should exceed the engine call timeout, otherwise a slow task
	// is redelivered while it still runs.
	AckWait       time.Duration
	MaxAckPending int
}

// jetStreamQueue shares one durable pull consumer between all workers of all
// API instances.
type jetStreamQueue struct {
	js  nats.JetStreamContext
	cfg JetStreamConfig
	sub *nats.Subscription
}

func NewJetStream(js nats.JetStreamContext, cfg JetStreamConfig) (*jetStreamQueue, error) {
	_, err := js.AddConsumer(cfg.Stream, &nats.ConsumerConfig{
		Durable:       cfg.Consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		FilterSubject: cfg.Subject,
		MaxAckPending: cfg.MaxAckPending,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil, fmt.Errorf("JetStream AddConsumer: %w", err)
	}

	sub, err := js.PullSubscribe(cfg.Subject, cfg.Consumer, nats.Bind(cfg.Stream, cfg.Consumer))
	if err != nil {
		return nil, fmt.Errorf("JetStream PullSubscribe: %w", err)
	}

	return &jetStreamQueue{js: js, cfg: cfg, sub: sub}, nil
}

func (q *jetStreamQueue) Enqueue(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("empty taskID")
	}

	msg := &nats.Msg{
		Subject: q.cfg.Subject,
		Data:    []byte(taskID),
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, taskID)

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("enqueue task %s: publish failed: %w", taskID, err)
	}

	slog.Debug("task enqueued",
		slog.String("task_id", taskID),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)
	return nil
}

func (q *jetStreamQueue) Dequeue(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fctx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := q.sub.Fetch(1, nats.Context(fctx))
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return nil, ErrClosed
			}
			slog.Warn("NATS Fetch", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if len(msgs) > 0 {
			return jsMessage{msg: msgs[0]}, nil
		}
	}
}

func (q *jetStreamQueue) Len() int {
	info, err := q.sub.ConsumerInfo()
	if err != nil {
		return -1
	}
	return int(info.NumPending)
}

func (q *jetStreamQueue) Close() error {
	if err := q.sub.Drain(); err != nil {
		return fmt.Errorf("NATS subscription drain: %w", err)
	}
	return nil
}

type jsMessage struct {
	msg *nats.Msg
}

func (m jsMessage) TaskID() string { return string(m.msg.Data) }

func (m jsMessage) Ack() error { return m.msg.Ack() }

func (m jsMessage) Nak() error { return m.msg.Nak() }
