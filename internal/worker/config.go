// Package worker runs background jobs that keep pump managers polling.
package worker

import (
	"time"
)

// HeartbeatConfig holds configuration for the heartbeat job.
type HeartbeatConfig struct {
	// Interval is the time between heartbeat sweeps.
	// Default: 1 minute
	Interval time.Duration

	// Concurrency is the number of devices ticked at once.
	// Default: 3
	Concurrency int

	// Timeout is the timeout for each device tick.
	// Default: 10 seconds
	Timeout time.Duration
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:    time.Minute,
		Concurrency: 3,
		Timeout:     10 * time.Second,
	}
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	d := DefaultHeartbeatConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}
