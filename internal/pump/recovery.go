package pump

import (
	"context"
	"time"
)

// Action is the outcome of communication recovery.
type Action int

const (
	// ActionRetune means the radio was retuned and the link kept its priority.
	ActionRetune Action = iota

	// ActionDeprioritize means the link was demoted in the connection
	// selection order. It stays connectable.
	ActionDeprioritize
)

func (a Action) String() string {
	if a == ActionDeprioritize {
		return "deprioritize"
	}
	return "retune"
}

// Troubleshoot recovers from communication failures. A retune is attempted
// when none was attempted within the cooldown; otherwise, or when the retune
// fails, the link is deprioritized.
//
// The tune call bypasses the link's circuit breaker, which is likely open
// after the failures that led here.
func (m *Manager) Troubleshoot(ctx context.Context) (Action, error) {
	var retune bool
	if err := m.exec(ctx, func() {
		retune = m.beginTroubleshoot(m.clock.Now())
	}); err != nil {
		return ActionDeprioritize, err
	}
	if !retune {
		m.metrics.action(ctx, ActionDeprioritize)
		return ActionDeprioritize, nil
	}

	freq, tuneErr := m.transport.Tune(ctx)
	tuneErr = classifyTransportError("tune", tuneErr)

	var action Action
	if err := m.exec(ctx, func() {
		action = m.finishTroubleshoot(m.clock.Now(), freq, tuneErr)
	}); err != nil {
		return ActionDeprioritize, err
	}

	m.metrics.action(ctx, action)
	return action, nil
}

// beginTroubleshoot records the tune attempt and reports whether to retune.
func (m *Manager) beginTroubleshoot(now time.Time) bool {
	last := m.session.lastTunedAt
	if !last.IsZero() && now.Sub(last) < m.tuneCooldown {
		m.deprioritize(now, "retune cooldown active")
		return false
	}
	m.session.lastTunedAt = now
	return true
}

func (m *Manager) finishTroubleshoot(now time.Time, freq float64, err error) Action {
	if err != nil {
		m.logger.Warn().Err(err).Msg("retune failed")
		m.deprioritize(now, "retune failed")
		return ActionDeprioritize
	}

	m.session.frequency = freq
	m.session.priority = PriorityNormal
	if m.prioritizer != nil {
		m.prioritizer.Restore(m.link.Name())
	}
	m.logger.Info().Float64("frequency_mhz", freq).Msg("radio retuned")
	return ActionRetune
}

func (m *Manager) deprioritize(now time.Time, reason string) {
	if m.session.priority != PriorityDeprioritized {
		m.session.priority = PriorityDeprioritized
		m.publish(newAdvisory(AdvisoryDeprioritized, m.session.DeviceID(), now))
	}
	if m.prioritizer != nil {
		m.prioritizer.Demote(m.link.Name())
	}
	m.logger.Warn().Str("reason", reason).Msg("link deprioritized")
}
