package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

const natsDurableName = "judge-workers"

// NatsQueue is a JetStream-backed queue. The stream is created on first
// use with workqueue retention so each job is delivered to one worker.
type NatsQueue struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
	subj string
}

func NewNatsQueue(url, stream, subject string) (*NatsQueue, error) {
	nc, err := nats.Connect(url, nats.Name("judge"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	_, err = js.StreamInfo(stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}

	return &NatsQueue{nc: nc, js: js, subj: subject}, nil
}

func (q *NatsQueue) Publish(ctx context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(q.subj, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

func (q *NatsQueue) Receive(ctx context.Context) ([]Delivery, error) {
	if q.sub == nil {
		sub, err := q.js.PullSubscribe(q.subj, natsDurableName)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
		q.sub = sub
	}

	msgs, err := q.sub.Fetch(10, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}

	deliveries := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		job, err := decodeJob(msg.Data)
		if err != nil {
			// Poison message: drop it rather than loop forever.
			_ = msg.Term()
			continue
		}
		deliveries = append(deliveries, natsDelivery(msg, job))
	}
	return deliveries, nil
}

// natsDelivery adapts the variadic JetStream ack API to the queue's
// plain ack/nak contract.
func natsDelivery(msg *nats.Msg, job Job) Delivery {
	return Delivery{
		Job: job,
		Ack: func() error { return msg.Ack() },
		Nak: func() error { return msg.Nak() },
	}
}

func (q *NatsQueue) Close() error {
	if q.sub != nil {
		_ = q.sub.Unsubscribe()
	}
	q.nc.Close()
	return nil
}
