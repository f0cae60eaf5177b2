package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/programme-lv/judge/internal/queue"
)

const receiveBackoff = time.Second

// Dispatcher pulls jobs off the queue and fans them out to the
// registry with bounded parallelism. Deliveries are acknowledged only
// after the outcome is persisted, so a crashed worker's jobs come back.
type Dispatcher struct {
	consumer    queue.Consumer
	registry    *Registry
	concurrency int
	log         *slog.Logger
}

func NewDispatcher(consumer queue.Consumer, registry *Registry, concurrency int, log *slog.Logger) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		consumer:    consumer,
		registry:    registry,
		concurrency: concurrency,
		log:         log.With(slog.String("component", "dispatcher")),
	}
}

// Run consumes until ctx is done. In-flight jobs finish before Run
// returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	sem := make(chan struct{}, d.concurrency)

	for {
		if ctx.Err() != nil {
			break
		}

		deliveries, err := d.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.log.Error("failed to receive jobs", slog.Any("error", err))
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
			}
			continue
		}

		for _, delivery := range deliveries {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				d.nak(delivery)
				continue
			}
			go func(delivery queue.Delivery) {
				defer func() { <-sem }()
				d.handle(ctx, delivery)
			}(delivery)
		}
	}

	// Drain: wait for every in-flight job.
	for i := 0; i < d.concurrency; i++ {
		sem <- struct{}{}
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, delivery queue.Delivery) {
	if err := d.registry.Handle(ctx, delivery.Job); err != nil {
		d.log.Error("job failed, requesting redelivery",
			slog.String("token", delivery.Job.Token), slog.Any("error", err))
		d.nak(delivery)
		return
	}
	if err := delivery.Ack(); err != nil {
		d.log.Warn("failed to acknowledge job",
			slog.String("token", delivery.Job.Token), slog.Any("error", err))
	}
}

func (d *Dispatcher) nak(delivery queue.Delivery) {
	if delivery.Nak == nil {
		return
	}
	if err := delivery.Nak(); err != nil {
		d.log.Warn("failed to nak job",
			slog.String("token", delivery.Job.Token), slog.Any("error", err))
	}
}
