package alert_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpsync/pumpsync/internal/alert"
	"github.com/pumpsync/pumpsync/internal/pump"
)

func advisory(kind pump.AdvisoryType) pump.Advisory {
	return pump.Advisory{
		ID:       "adv-" + string(kind),
		Type:     kind,
		DeviceID: "pump-1",
		At:       time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestBroker_DeliversInOrder(t *testing.T) {
	broker := alert.NewBroker()
	events, cancel := broker.Subscribe(4)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, advisory(pump.AdvisoryReservoirLow)))
	require.NoError(t, broker.Publish(ctx, advisory(pump.AdvisoryBatteryLow)))

	assert.Equal(t, pump.AdvisoryReservoirLow, (<-events).Type)
	assert.Equal(t, pump.AdvisoryBatteryLow, (<-events).Type)
}

func TestBroker_FiltersByType(t *testing.T) {
	broker := alert.NewBroker()
	battery, cancelBattery := broker.Subscribe(4, pump.AdvisoryBatteryLow, pump.AdvisoryBatteryReplaced)
	defer cancelBattery()
	all, cancelAll := broker.Subscribe(4)
	defer cancelAll()

	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, advisory(pump.AdvisoryReservoirEmpty)))
	require.NoError(t, broker.Publish(ctx, advisory(pump.AdvisoryBatteryReplaced)))

	assert.Equal(t, pump.AdvisoryBatteryReplaced, (<-battery).Type)
	assert.Len(t, all, 2)
	assert.Empty(t, battery)
}

func TestBroker_PublishWaitsForSlowSubscriber(t *testing.T) {
	broker := alert.NewBroker()
	events, cancel := broker.Subscribe(0)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- broker.Publish(context.Background(), advisory(pump.AdvisoryPumpUpdated))
	}()

	select {
	case <-done:
		t.Fatal("publish returned before the subscriber received the event")
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, pump.AdvisoryPumpUpdated, (<-events).Type)
	require.NoError(t, <-done)
}

func TestBroker_PublishHonorsContext(t *testing.T) {
	broker := alert.NewBroker()
	_, cancel := broker.Subscribe(0)
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelCtx()

	err := broker.Publish(ctx, advisory(pump.AdvisoryPumpUpdated))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroker_UnsubscribeAndClose(t *testing.T) {
	broker := alert.NewBroker()
	_, cancel := broker.Subscribe(0)
	assert.Equal(t, 1, broker.Subscribers())

	cancel()
	cancel()
	assert.Zero(t, broker.Subscribers())
	require.NoError(t, broker.Publish(context.Background(), advisory(pump.AdvisoryPumpUpdated)))

	broker.Close()
	err := broker.Publish(context.Background(), advisory(pump.AdvisoryPumpUpdated))
	assert.ErrorIs(t, err, alert.ErrBrokerClosed)
}

type recordingSink struct {
	mu     sync.Mutex
	err    error
	events []pump.Advisory
}

func (s *recordingSink) Publish(_ context.Context, event pump.Advisory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	errDown := errors.New("sink down")
	failing := &recordingSink{err: errDown}
	healthy := &recordingSink{}

	err := alert.Fanout{failing, nil, healthy}.Publish(context.Background(), advisory(pump.AdvisoryReservoirRewound))

	assert.ErrorIs(t, err, errDown)
	assert.Len(t, failing.events, 1)
	assert.Len(t, healthy.events, 1)
}

func TestNewMessage(t *testing.T) {
	event := advisory(pump.AdvisoryReservoirLow)
	event.Threshold = 20
	event.Units = 18.5

	msg, err := alert.NewMessage(event)
	require.NoError(t, err)

	assert.Equal(t, "reservoir_low", msg.Attributes["type"])
	assert.Equal(t, "pump-1", msg.Attributes["device_id"])
	assert.Equal(t, event.ID, msg.Attributes["advisory_id"])

	var decoded pump.Advisory
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, 20.0, decoded.Threshold)
	assert.Equal(t, 18.5, decoded.Units)
	assert.True(t, decoded.At.Equal(event.At))
}
