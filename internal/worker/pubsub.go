package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// Control job types.
const (
	JobPoll         = "poll"
	JobTroubleshoot = "troubleshoot"
	JobHealthCheck  = "health_check"
)

// ErrUnknownJob is returned by Dispatch for job types it does not handle.
var ErrUnknownJob = errors.New("unknown job type")

// ErrUnknownDevice is returned when a control message names a device this
// worker does not manage.
var ErrUnknownDevice = errors.New("unknown device")

// PubSubHandler handles control messages from Pub/Sub for the worker.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	heartbeat        *HeartbeatJob
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Heartbeat        *HeartbeatJob
	Logger           zerolog.Logger
}

// ControlMessage represents a control job message. Bolus commands are never
// accepted over Pub/Sub.
type ControlMessage struct {
	JobType  string `json:"job_type"`
	DeviceID string `json:"device_id,omitempty"`
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)
	subscriber.ReceiveSettings.MaxOutstandingMessages = 10
	subscriber.ReceiveSettings.MaxExtension = 2 * time.Minute

	h := NewControlHandler(cfg.Heartbeat, cfg.Logger)
	h.client = client
	h.subscriber = subscriber
	h.subscriptionName = cfg.SubscriptionName
	return h, nil
}

// NewControlHandler creates a handler that dispatches control messages
// without a Pub/Sub connection.
func NewControlHandler(heartbeat *HeartbeatJob, logger zerolog.Logger) *PubSubHandler {
	return &PubSubHandler{
		heartbeat: heartbeat,
		logger:    logger.With().Str("component", "control").Logger(),
	}
}

// Start begins processing Pub/Sub messages.
func (h *PubSubHandler) Start(ctx context.Context) error {
	if h.subscriber == nil {
		return errors.New("pubsub subscriber not configured")
	}

	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	var control ControlMessage
	if err := json.Unmarshal(msg.Data, &control); err != nil {
		logger.Error().Err(err).Msg("failed to parse message")
		msg.Ack() // Malformed messages never parse on redelivery
		return
	}

	if err := h.Dispatch(ctx, control); err != nil {
		if errors.Is(err, ErrUnknownJob) || errors.Is(err, ErrUnknownDevice) {
			logger.Warn().Err(err).Str("job_type", control.JobType).Msg("dropping control message")
			msg.Ack()
			return
		}
		logger.Error().Err(err).Str("job_type", control.JobType).Msg("job failed")
		msg.Nack()
		return
	}

	msg.Ack()
}

// Dispatch runs one control job.
func (h *PubSubHandler) Dispatch(ctx context.Context, msg ControlMessage) error {
	start := time.Now()

	var err error
	switch msg.JobType {
	case JobPoll:
		err = h.handlePoll(ctx)
	case JobTroubleshoot:
		err = h.handleTroubleshoot(ctx, msg.DeviceID)
	case JobHealthCheck:
		err = h.handleHealthCheck()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, msg.JobType)
	}
	if err != nil {
		return err
	}

	h.logger.Info().
		Str("job_type", msg.JobType).
		Str("device_id", msg.DeviceID).
		Dur("duration", time.Since(start)).
		Msg("job completed successfully")
	return nil
}

func (h *PubSubHandler) handlePoll(ctx context.Context) error {
	result := h.heartbeat.Run(ctx)
	if result.Failed > result.Successful {
		return fmt.Errorf("too many tick failures: %d/%d", result.Failed, result.Devices)
	}
	return nil
}

func (h *PubSubHandler) handleTroubleshoot(ctx context.Context, deviceID string) error {
	device, ok := h.heartbeat.Device(deviceID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}

	action, err := device.Troubleshoot(ctx)
	if err != nil {
		return fmt.Errorf("troubleshoot %s: %w", deviceID, err)
	}

	h.logger.Info().
		Str("device_id", deviceID).
		Str("action", action.String()).
		Msg("troubleshoot finished")
	return nil
}

func (h *PubSubHandler) handleHealthCheck() error {
	var stopped []string
	for _, d := range h.heartbeat.devices {
		if !d.Running() {
			stopped = append(stopped, d.DeviceID())
		}
	}
	if len(stopped) > 0 {
		return fmt.Errorf("health check failed: managers not running: %v", stopped)
	}
	return nil
}
