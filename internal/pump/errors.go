package pump

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pump core. Callers branch with errors.Is.
var (
	// ErrConnection is returned when no device is reachable.
	ErrConnection = errors.New("pump connection unavailable")

	// ErrConfiguration is returned when the transport session is missing required setup.
	ErrConfiguration = errors.New("pump transport not configured")

	// ErrCommunication is returned when a command round-trip to the device failed.
	ErrCommunication = errors.New("pump communication failed")

	// ErrData is returned for unusable device data: unresolvable clocks,
	// out-of-order records or malformed payloads.
	ErrData = errors.New("invalid pump data")
)

// Preflight refusals for bolus commands.
var (
	// ErrCommandInFlight is returned when another bolus command is still being processed.
	ErrCommandInFlight = errors.New("bolus command already in flight")

	// ErrBolusInProgress is returned when the pump reports a bolus is being delivered.
	ErrBolusInProgress = errors.New("pump reports bolus in progress")

	// ErrSuspended is returned when the pump reports delivery is suspended.
	ErrSuspended = errors.New("pump is suspended")

	// ErrDoseNotRecorded is returned when a bolus was delivered but the dose
	// ledger did not accept it. The dose must not be resent.
	ErrDoseNotRecorded = errors.New("bolus delivered but not recorded")

	// ErrInvalidBolus is returned for bolus amounts that are not a finite number.
	ErrInvalidBolus = errors.New("invalid bolus amount")
)

// ErrStopped is returned by Manager operations once its loop has exited.
var ErrStopped = errors.New("pump manager stopped")

func dataError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrData, fmt.Sprintf(format, args...))
}

// classifyTransportError passes connection and configuration failures through
// unchanged and maps every other transport failure to ErrCommunication.
func classifyTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrCommunication) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrCommunication, op, err)
}

// connectionError keeps connection and configuration failures as they are and
// treats any other readiness failure as no reachable device.
func connectionError(err error) error {
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

// IsPermanent reports whether a transport failure should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrData)
}
