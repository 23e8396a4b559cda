package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// Subscriber is the part of *nats.Conn the listener uses.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Handler receives unsolicited device broadcasts. *pump.Manager implements it.
type Handler interface {
	HandleStatus(ctx context.Context, msg pump.StatusMessage) error
	HandleGlucose(ctx context.Context, msg pump.GlucoseMessage) error
}

// Listener feeds status and glucose broadcasts from the bridge into a Handler.
type Listener struct {
	conn     Subscriber
	handler  Handler
	prefix   string
	deviceID string
	logger   zerolog.Logger
}

// NewListener creates a listener for one device.
func NewListener(conn Subscriber, handler Handler, prefix, deviceID string, logger zerolog.Logger) *Listener {
	if prefix == "" {
		prefix = "pump"
	}
	return &Listener{
		conn:     conn,
		handler:  handler,
		prefix:   prefix,
		deviceID: deviceID,
		logger:   logger.With().Str("component", "natsbridge_listener").Str("device_id", deviceID).Logger(),
	}
}

// Run subscribes and blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
		}
	}()

	for op, handle := range map[string]func(context.Context, []byte) error{
		OpStatus:  l.status,
		OpGlucose: l.glucose,
	} {
		subject := Subject(l.prefix, l.deviceID, op)
		sub, err := l.conn.Subscribe(subject, func(msg *nats.Msg) {
			l.report(msg.Subject, handle(ctx, msg.Data))
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	l.logger.Info().Int("subscriptions", len(subs)).Msg("listening for pump broadcasts")
	<-ctx.Done()
	return nil
}

func (l *Listener) status(ctx context.Context, data []byte) error {
	var msg pump.StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: decode status: %w", pump.ErrData, err)
	}
	return l.handler.HandleStatus(ctx, msg)
}

func (l *Listener) glucose(ctx context.Context, data []byte) error {
	var msg pump.GlucoseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: decode glucose: %w", pump.ErrData, err)
	}
	return l.handler.HandleGlucose(ctx, msg)
}

func (l *Listener) report(subject string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, pump.ErrData):
		l.logger.Warn().Err(err).Str("subject", subject).Msg("dropped broadcast")
	case errors.Is(err, pump.ErrStopped), errors.Is(err, context.Canceled):
		l.logger.Debug().Err(err).Str("subject", subject).Msg("broadcast after shutdown")
	default:
		l.logger.Error().Err(err).Str("subject", subject).Msg("failed to handle broadcast")
	}
}
