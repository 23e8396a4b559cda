package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// Device is a pump manager the worker drives. *pump.Manager implements it.
type Device interface {
	DeviceID() string
	Running() bool
	Tick(ctx context.Context) error
	Troubleshoot(ctx context.Context) (pump.Action, error)
}

// HeartbeatJob ticks every device so stale data triggers a poll even when
// no broadcasts arrive.
type HeartbeatJob struct {
	config  HeartbeatConfig
	devices []Device
	logger  zerolog.Logger

	metrics *HeartbeatMetrics
}

// HeartbeatMetrics tracks heartbeat job statistics.
type HeartbeatMetrics struct {
	mu sync.RWMutex

	// Counters
	TotalSweeps     int64
	SuccessfulTicks int64
	FailedTicks     int64

	// Timings
	LastSweepAt       time.Time
	LastSweepDuration time.Duration
	TotalDuration     time.Duration
}

// HeartbeatJobConfig holds configuration for creating a HeartbeatJob.
type HeartbeatJobConfig struct {
	Config  HeartbeatConfig
	Devices []Device
	Logger  zerolog.Logger
}

// NewHeartbeatJob creates a new heartbeat job.
func NewHeartbeatJob(cfg HeartbeatJobConfig) *HeartbeatJob {
	return &HeartbeatJob{
		config:  cfg.Config.withDefaults(),
		devices: cfg.Devices,
		logger:  cfg.Logger.With().Str("component", "heartbeat").Logger(),
		metrics: &HeartbeatMetrics{},
	}
}

// SweepResult contains the result of one heartbeat sweep.
type SweepResult struct {
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Devices    int
	Successful int
	Failed     int
	Errors     []TickError
}

// TickError represents a failed device tick.
type TickError struct {
	DeviceID string
	Error    string
}

// Start runs a sweep every interval until ctx is done.
func (j *HeartbeatJob) Start(ctx context.Context) error {
	j.logger.Info().
		Int("devices", len(j.devices)).
		Dur("interval", j.config.Interval).
		Msg("starting heartbeat")

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}

// Run ticks every device once.
func (j *HeartbeatJob) Run(ctx context.Context) *SweepResult {
	startTime := time.Now()
	result := &SweepResult{
		StartTime: startTime,
		Devices:   len(j.devices),
	}

	devices := make(chan Device, len(j.devices))
	results := make(chan tickResult, len(j.devices))

	var wg sync.WaitGroup
	for i := 0; i < j.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.tickWorker(ctx, devices, results)
		}()
	}

	for _, d := range j.devices {
		devices <- d
	}
	close(devices)

	go func() {
		wg.Wait()
		close(results)
	}()

	for tr := range results {
		if tr.err == nil {
			result.Successful++
			continue
		}
		result.Failed++
		result.Errors = append(result.Errors, TickError{DeviceID: tr.deviceID, Error: tr.err.Error()})
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(startTime)
	j.updateMetrics(result)

	event := j.logger.Debug()
	if result.Failed > 0 {
		event = j.logger.Warn()
	}
	event.
		Dur("duration", result.Duration).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Msg("heartbeat sweep completed")

	return result
}

type tickResult struct {
	deviceID string
	err      error
}

func (j *HeartbeatJob) tickWorker(ctx context.Context, devices <-chan Device, results chan<- tickResult) {
	for d := range devices {
		select {
		case <-ctx.Done():
			results <- tickResult{deviceID: d.DeviceID(), err: ctx.Err()}
		default:
			tickCtx, cancel := context.WithTimeout(ctx, j.config.Timeout)
			err := d.Tick(tickCtx)
			cancel()
			results <- tickResult{deviceID: d.DeviceID(), err: err}
		}
	}
}

func (j *HeartbeatJob) updateMetrics(result *SweepResult) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.TotalSweeps++
	j.metrics.SuccessfulTicks += int64(result.Successful)
	j.metrics.FailedTicks += int64(result.Failed)
	j.metrics.LastSweepAt = result.EndTime
	j.metrics.LastSweepDuration = result.Duration
	j.metrics.TotalDuration += result.Duration
}

// GetMetrics returns a copy of the current metrics.
func (j *HeartbeatJob) GetMetrics() HeartbeatMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return HeartbeatMetrics{
		TotalSweeps:       j.metrics.TotalSweeps,
		SuccessfulTicks:   j.metrics.SuccessfulTicks,
		FailedTicks:       j.metrics.FailedTicks,
		LastSweepAt:       j.metrics.LastSweepAt,
		LastSweepDuration: j.metrics.LastSweepDuration,
		TotalDuration:     j.metrics.TotalDuration,
	}
}

// MetricsSnapshot returns a snapshot of the current metrics as a map.
func (j *HeartbeatJob) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	return map[string]interface{}{
		"total_sweeps":        m.TotalSweeps,
		"successful_ticks":    m.SuccessfulTicks,
		"failed_ticks":        m.FailedTicks,
		"last_sweep_at":       m.LastSweepAt,
		"last_sweep_duration": m.LastSweepDuration.String(),
		"total_duration":      m.TotalDuration.String(),
	}
}

// Device returns the device with the given id.
func (j *HeartbeatJob) Device(id string) (Device, bool) {
	for _, d := range j.devices {
		if d.DeviceID() == id {
			return d, true
		}
	}
	return nil, false
}
