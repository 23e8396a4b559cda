package alert

import (
	"context"
	"errors"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// Fanout publishes each advisory to every sink. A failing sink does not stop
// delivery to the rest; the failures are joined.
type Fanout []pump.AlertSink

// Publish implements pump.AlertSink.
func (f Fanout) Publish(ctx context.Context, event pump.Advisory) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
