package pump

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/pumpsync/pumpsync/internal/pump"

// Metrics holds the OpenTelemetry instruments for the pump core. A nil
// *Metrics records nothing.
type Metrics struct {
	packets  metric.Int64Counter
	alerts   metric.Int64Counter
	boluses  metric.Int64Counter
	recovery metric.Int64Counter
	polls    metric.Int64Counter
}

// NewMetrics creates the pump instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	packets, err := meter.Int64Counter(
		"pump.status.packets",
		metric.WithDescription("Status packets received, by result"),
		metric.WithUnit("{packet}"),
	)
	if err != nil {
		return nil, err
	}

	alerts, err := meter.Int64Counter(
		"pump.advisories",
		metric.WithDescription("Advisory events raised, by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	boluses, err := meter.Int64Counter(
		"pump.bolus.commands",
		metric.WithDescription("Bolus commands, by outcome"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	recovery, err := meter.Int64Counter(
		"pump.recovery.actions",
		metric.WithDescription("Communication recovery actions taken"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	polls, err := meter.Int64Counter(
		"pump.polls",
		metric.WithDescription("Active status reads, by result"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		packets:  packets,
		alerts:   alerts,
		boluses:  boluses,
		recovery: recovery,
		polls:    polls,
	}, nil
}

func (m *Metrics) packet(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.packets.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) advisory(ctx context.Context, kind AdvisoryType) {
	if m == nil {
		return
	}
	m.alerts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(kind))))
}

func (m *Metrics) bolus(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.boluses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) action(ctx context.Context, action Action) {
	if m == nil {
		return
	}
	m.recovery.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action.String())))
}

func (m *Metrics) poll(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
