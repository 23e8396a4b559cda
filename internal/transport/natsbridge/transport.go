package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// Requester is the part of *nats.Conn the transport uses.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	IsConnected() bool
}

// Config configures a Transport.
type Config struct {
	Conn     Requester
	Prefix   string
	DeviceID string

	// Timeout bounds each round-trip that has no deadline of its own.
	// Default: 5 seconds
	Timeout time.Duration

	// TuneTimeout bounds a frequency scan, which takes longer than a read.
	// Default: 30 seconds
	TuneTimeout time.Duration

	Logger zerolog.Logger
}

// Transport implements pump.Transport over NATS request/reply.
type Transport struct {
	conn        Requester
	prefix      string
	deviceID    string
	timeout     time.Duration
	tuneTimeout time.Duration
	logger      zerolog.Logger
}

var _ pump.Transport = (*Transport)(nil)

// NewTransport creates a transport for one device.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("%w: nats connection is required", pump.ErrConfiguration)
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", pump.ErrConfiguration)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "pump"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TuneTimeout == 0 {
		cfg.TuneTimeout = 30 * time.Second
	}

	return &Transport{
		conn:        cfg.Conn,
		prefix:      cfg.Prefix,
		deviceID:    cfg.DeviceID,
		timeout:     cfg.Timeout,
		tuneTimeout: cfg.TuneTimeout,
		logger:      cfg.Logger.With().Str("component", "natsbridge").Str("device_id", cfg.DeviceID).Logger(),
	}, nil
}

// Ready implements pump.Transport.
func (t *Transport) Ready(ctx context.Context) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("%w: nats disconnected", pump.ErrConnection)
	}
	_, err := t.call(ctx, OpReady, request{}, t.timeout)
	return err
}

// ReadStatus implements pump.Transport.
func (t *Transport) ReadStatus(ctx context.Context) (pump.StatusMessage, error) {
	r, err := t.call(ctx, OpStatus, request{}, t.timeout)
	if err != nil {
		return pump.StatusMessage{}, err
	}
	if r.Status == nil {
		return pump.StatusMessage{}, fmt.Errorf("%w: status reply carries no status", pump.ErrData)
	}
	return *r.Status, nil
}

// SendBolus implements pump.Transport.
func (t *Transport) SendBolus(ctx context.Context, units float64) error {
	_, err := t.call(ctx, OpBolus, request{Units: &units}, t.timeout)
	return err
}

// FetchHistory implements pump.Transport.
func (t *Transport) FetchHistory(ctx context.Context, since time.Time) ([]pump.HistoryEvent, error) {
	since = since.UTC()
	r, err := t.call(ctx, OpHistory, request{Since: &since}, t.timeout)
	if err != nil {
		return nil, err
	}
	return r.History, nil
}

// Tune implements pump.Transport.
func (t *Transport) Tune(ctx context.Context) (float64, error) {
	r, err := t.call(ctx, OpTune, request{}, t.tuneTimeout)
	if err != nil {
		return 0, err
	}
	if r.FrequencyMHz <= 0 {
		return 0, fmt.Errorf("%w: tune reply carries no frequency", pump.ErrData)
	}
	return r.FrequencyMHz, nil
}

func (t *Transport) call(ctx context.Context, op string, req request, timeout time.Duration) (reply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return reply{}, fmt.Errorf("encode %s request: %w", op, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	subject := Subject(t.prefix, t.deviceID, op)
	start := time.Now()
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		t.logger.Debug().Err(err).Str("subject", subject).Dur("duration", time.Since(start)).Msg("bridge request failed")
		return reply{}, requestError(op, err)
	}

	t.logger.Debug().Str("subject", subject).Dur("duration", time.Since(start)).Int("size", len(msg.Data)).Msg("bridge reply")
	return decodeReply(op, msg.Data)
}
