// Package natsbridge implements the pump transport over NATS. A radio bridge
// process owns the hardware and answers requests on per-device subjects.
package natsbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// Operations served by the radio bridge.
const (
	OpReady   = "ready"
	OpStatus  = "status"
	OpBolus   = "bolus"
	OpHistory = "history"
	OpTune    = "tune"
	OpGlucose = "glucose"
)

// Error kinds reported by the bridge in a reply.
const (
	KindConnection    = "connection"
	KindConfiguration = "configuration"
	KindCommunication = "communication"
	KindData          = "data"
)

// Subject returns the subject for op on a device, e.g. "pump.pump-1.status".
func Subject(prefix, deviceID, op string) string {
	return prefix + "." + deviceID + "." + op
}

type request struct {
	Units *float64   `json:"units,omitempty"`
	Since *time.Time `json:"since,omitempty"`
}

type reply struct {
	ErrorKind    string              `json:"error_kind,omitempty"`
	Error        string              `json:"error,omitempty"`
	Status       *pump.StatusMessage `json:"status,omitempty"`
	History      []pump.HistoryEvent `json:"history,omitempty"`
	FrequencyMHz float64             `json:"frequency_mhz,omitempty"`
}

func (r reply) err() error {
	if r.ErrorKind == "" && r.Error == "" {
		return nil
	}
	sentinel := pump.ErrCommunication
	switch r.ErrorKind {
	case KindConnection:
		sentinel = pump.ErrConnection
	case KindConfiguration:
		sentinel = pump.ErrConfiguration
	case KindData:
		sentinel = pump.ErrData
	}
	if r.Error == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, r.Error)
}

func decodeReply(op string, data []byte) (reply, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return reply{}, fmt.Errorf("%w: decode %s reply: %w", pump.ErrData, op, err)
	}
	return r, r.err()
}

// requestError maps NATS delivery failures. No responders means the bridge
// for this device is not running, which is the same as no reachable device.
func requestError(op string, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected):
		return fmt.Errorf("%w: %s: %w", pump.ErrConnection, op, err)
	default:
		return fmt.Errorf("%s request: %w", op, err)
	}
}
