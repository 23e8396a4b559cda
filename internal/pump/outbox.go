package pump

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// outbox delivers advisories to the alert sink in order, off the manager loop.
// Pushing never blocks.
type outbox struct {
	mu    sync.Mutex
	queue []Advisory
	wake  chan struct{}

	sink    AlertSink
	logger  zerolog.Logger
	retries uint64
	backoff time.Duration
}

func newOutbox(sink AlertSink, logger zerolog.Logger, retries uint64, interval time.Duration) *outbox {
	return &outbox{
		wake:    make(chan struct{}, 1),
		sink:    sink,
		logger:  logger,
		retries: retries,
		backoff: interval,
	}
}

func (o *outbox) push(events ...Advisory) {
	if o.sink == nil || len(events) == 0 {
		return
	}
	o.mu.Lock()
	o.queue = append(o.queue, events...)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) pop() (Advisory, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return Advisory{}, false
	}
	a := o.queue[0]
	o.queue = o.queue[1:]
	return a, true
}

func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}

		for {
			a, ok := o.pop()
			if !ok {
				break
			}
			o.deliver(ctx, a)
		}
	}
}

func (o *outbox) deliver(ctx context.Context, a Advisory) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.backoff
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		return o.sink.Publish(ctx, a)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, o.retries), ctx))
	if err != nil {
		o.logger.Error().
			Err(err).
			Str("advisory_id", a.ID).
			Str("type", string(a.Type)).
			Msg("advisory delivery failed")
	}
}
