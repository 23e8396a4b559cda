package pump

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BolusState is the bolus command engine state.
type BolusState int32

const (
	BolusIdle BolusState = iota
	BolusPreflightCheck
	BolusRefreshRequired
	BolusReadyToSend
	BolusSending
	BolusCommitted
	BolusFailed
)

func (s BolusState) String() string {
	switch s {
	case BolusPreflightCheck:
		return "preflight_check"
	case BolusRefreshRequired:
		return "refresh_required"
	case BolusReadyToSend:
		return "ready_to_send"
	case BolusSending:
		return "sending"
	case BolusCommitted:
		return "committed"
	case BolusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// BolusState returns the state of the current or most recent bolus command.
func (m *Manager) BolusState() BolusState {
	return BolusState(m.bolusState.Load())
}

func (m *Manager) setBolusState(s BolusState) {
	m.bolusState.Store(int32(s))
}

// EnactBolus delivers units of insulin and returns once the dose is recorded
// in the ledger or the command has failed.
//
// Zero or negative units succeed without contacting the pump. The command is
// sent only against fresh reservoir data; stale, missing, future-dated or
// implausible data is refreshed with a synchronous status read first, and a
// failed refresh aborts the command. The send itself is never retried. Only
// one bolus command runs at a time.
func (m *Manager) EnactBolus(ctx context.Context, units float64) (err error) {
	if math.IsNaN(units) || math.IsInf(units, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidBolus, units)
	}
	if units <= 0 {
		return nil
	}
	if !m.bolusInFlight.CompareAndSwap(false, true) {
		return ErrCommandInFlight
	}
	defer m.bolusInFlight.Store(false)

	ctx, span := m.tracer.Start(ctx, "pump.EnactBolus",
		trace.WithAttributes(
			attribute.String("device.id", m.session.DeviceID()),
			attribute.Float64("bolus.units", units),
		),
	)
	defer func() {
		state := m.BolusState()
		span.SetAttributes(attribute.String("bolus.state", state.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		m.metrics.bolus(ctx, bolusOutcome(state))
		span.End()
	}()

	m.setBolusState(BolusPreflightCheck)
	if rerr := m.transport.Ready(ctx); rerr != nil {
		m.setBolusState(BolusIdle)
		return connectionError(rerr)
	}

	if perr := m.preflight(ctx); perr != nil {
		m.setBolusState(BolusIdle)
		m.logger.Warn().Err(perr).Float64("units", units).Msg("bolus refused")
		return perr
	}

	m.setBolusState(BolusSending)
	sendErr := m.link.CallOnce(ctx, func(ctx context.Context) error {
		return classifyTransportError("send bolus", m.transport.SendBolus(ctx, units))
	})
	if sendErr != nil {
		m.setBolusState(BolusFailed)
		m.logger.Error().Err(sendErr).Float64("units", units).Msg("bolus send failed")
		return linkError(sendErr)
	}

	entry := DoseEntry{
		ID:          uuid.NewString(),
		DeviceID:    m.session.DeviceID(),
		Units:       units,
		CommittedAt: m.clock.Now(),
	}
	span.SetAttributes(attribute.String("bolus.id", entry.ID))

	if lerr := m.commitDose(ctx, entry); lerr != nil {
		m.setBolusState(BolusFailed)
		m.logger.Error().
			Err(lerr).
			Str("dose_id", entry.ID).
			Float64("units", units).
			Msg("bolus delivered but ledger did not record it")
		return fmt.Errorf("%w: %w", ErrDoseNotRecorded, lerr)
	}

	m.setBolusState(BolusCommitted)
	m.logger.Info().
		Str("dose_id", entry.ID).
		Float64("units", units).
		Msg("bolus committed")
	return nil
}

// preflight refreshes reservoir data that cannot be trusted, then refuses the
// command against a pump that is busy or suspended.
func (m *Manager) preflight(ctx context.Context) error {
	var refresh bool
	var reason string
	var refusal error
	if err := m.exec(ctx, func() {
		refresh, reason, refusal = m.checkPreflight(m.clock.Now())
	}); err != nil {
		return err
	}
	if refusal != nil {
		return refusal
	}
	if !refresh {
		m.setBolusState(BolusReadyToSend)
		return nil
	}

	m.setBolusState(BolusRefreshRequired)
	m.logger.Info().Str("reason", reason).Msg("refreshing pump status before bolus")

	if err := m.waitForGate(ctx); err != nil {
		return err
	}
	msg, err := m.readStatus(ctx)
	if err != nil {
		return err
	}

	var applyErr error
	if err := m.exec(ctx, func() {
		if applyErr = m.applyStatus(msg, false); applyErr != nil {
			return
		}
		refresh, reason, refusal = m.checkPreflight(m.clock.Now())
	}); err != nil {
		return err
	}
	if applyErr != nil {
		return applyErr
	}
	if refusal != nil {
		return refusal
	}
	if refresh {
		return dataError("%s after refresh", reason)
	}

	m.setBolusState(BolusReadyToSend)
	return nil
}

// waitForGate blocks until the post-burst read gate is open. A burst accepted
// while waiting moves the gate again.
func (m *Manager) waitForGate(ctx context.Context) error {
	for {
		var wait time.Duration
		if err := m.exec(ctx, func() {
			wait = m.scheduler.Wait(m.clock.Now())
		}); err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		m.logger.Debug().Dur("wait", wait).Msg("bolus refresh waiting for read gate")
		opened := make(chan struct{})
		timer := m.clock.AfterFunc(wait, func() { close(opened) })
		select {
		case <-opened:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.stopped:
			timer.Stop()
			return ErrStopped
		}
	}
}

// checkPreflight runs on the loop. Busy and suspended flags are only trusted
// once the reservoir data needs no refresh, since they come from the same
// status.
func (m *Manager) checkPreflight(now time.Time) (refresh bool, reason string, refusal error) {
	rec, ok := m.session.LatestReservoir()
	switch {
	case !ok:
		return true, "no reservoir data", nil
	case now.Sub(rec.Timestamp) > m.bolusFreshness:
		return true, "reservoir data stale", nil
	case rec.Timestamp.After(now.Add(m.clockSkew)):
		return true, "reservoir reading dated in the future", nil
	case m.session.implausible:
		return true, "implausible reservoir drop", nil
	}

	if st := m.session.LastStatus(); st != nil {
		if st.BolusInProgress {
			return false, "", ErrBolusInProgress
		}
		if st.Suspended {
			return false, "", ErrSuspended
		}
	}
	return false, "", nil
}

// commitDose records a delivered dose, retrying with backoff. It outlives a
// canceled caller context since the dose has already been delivered.
func (m *Manager) commitDose(ctx context.Context, entry DoseEntry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.ledgerTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.retryInterval
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		return m.ledger.CommitBolus(ctx, entry)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, m.ledgerRetries), ctx))
}

func bolusOutcome(state BolusState) string {
	switch state {
	case BolusCommitted:
		return "committed"
	case BolusFailed:
		return "failed"
	default:
		return "refused"
	}
}
