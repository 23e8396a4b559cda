package models

import (
	"math"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// MaxBolusUnits caps a single operator bolus request.
const MaxBolusUnits = 25.0

// Reservoir is the latest reservoir reading.
type Reservoir struct {
	Units           float64   `json:"units"`
	Timestamp       Timestamp `json:"timestamp"`
	TimeLeftMinutes *int      `json:"timeLeftMinutes,omitempty"`
}

// Battery is the pump battery estimate.
type Battery struct {
	Source  string   `json:"source"`
	Percent *float64 `json:"percent,omitempty"`
	Volts   float64  `json:"volts,omitempty"`
}

// PumpStatus is the response for GET /v1/pumps/{deviceId}.
type PumpStatus struct {
	DeviceID        string     `json:"deviceId"`
	Priority        string     `json:"priority"`
	IdleListening   bool       `json:"idleListening"`
	Stale           bool       `json:"stale"`
	Reservoir       *Reservoir `json:"reservoir,omitempty"`
	Battery         Battery    `json:"battery"`
	BolusState      string     `json:"bolusState"`
	BolusInProgress bool       `json:"bolusInProgress"`
	Suspended       bool       `json:"suspended"`
	PumpTime        *Timestamp `json:"pumpTime,omitempty"`
	LastTunedAt     *Timestamp `json:"lastTunedAt,omitempty"`
	FrequencyMHz    float64    `json:"frequencyMhz,omitempty"`
	HistoryLength   int        `json:"historyLength"`
}

// NewPumpStatus converts a manager snapshot for display.
func NewPumpStatus(v pump.View, state pump.BolusState) PumpStatus {
	status := PumpStatus{
		DeviceID:        v.DeviceID,
		Priority:        v.Priority,
		IdleListening:   v.IdleListening,
		Stale:           v.Stale,
		Battery:         Battery{Source: string(v.Battery.Source), Volts: v.Battery.Volts},
		BolusState:      state.String(),
		BolusInProgress: v.BolusInProgress,
		Suspended:       v.Suspended,
		PumpTime:        timestampPtr(v.PumpTime),
		LastTunedAt:     timestampPtr(v.LastTunedAt),
		FrequencyMHz:    v.FrequencyMHz,
		HistoryLength:   v.HistoryLength,
	}
	if v.Battery.Known() {
		percent := v.Battery.Percent
		status.Battery.Percent = &percent
	}
	if v.Reservoir != nil {
		status.Reservoir = &Reservoir{
			Units:     v.Reservoir.Units,
			Timestamp: Timestamp(v.Reservoir.Timestamp),
		}
		if v.Reservoir.TimeLeft > 0 {
			minutes := int(v.Reservoir.TimeLeft.Minutes())
			status.Reservoir.TimeLeftMinutes = &minutes
		}
	}
	return status
}

// BolusRequest is the body of POST /v1/pumps/{deviceId}/bolus.
type BolusRequest struct {
	Units *float64 `json:"units"`
}

// Validate checks the request and returns field errors.
func (r *BolusRequest) Validate() []FieldError {
	switch {
	case r.Units == nil:
		return []FieldError{{Field: "units", Message: "required", Code: "REQUIRED"}}
	case math.IsNaN(*r.Units) || math.IsInf(*r.Units, 0) || *r.Units <= 0:
		return []FieldError{{Field: "units", Message: "must be a positive number", Code: "OUT_OF_RANGE"}}
	case *r.Units > MaxBolusUnits:
		return []FieldError{{Field: "units", Message: "exceeds the per-request maximum", Code: "OUT_OF_RANGE"}}
	}
	return nil
}

// BolusResponse is returned once a bolus is delivered and recorded.
type BolusResponse struct {
	DeviceID string  `json:"deviceId"`
	Units    float64 `json:"units"`
	State    string  `json:"state"`
}

// TroubleshootResponse reports the recovery action taken.
type TroubleshootResponse struct {
	DeviceID string `json:"deviceId"`
	Action   string `json:"action"`
}

// Dose is one committed bolus.
type Dose struct {
	ID          string    `json:"id"`
	Units       float64   `json:"units"`
	CommittedAt Timestamp `json:"committedAt"`
}

// DoseList is the response for GET /v1/pumps/{deviceId}/doses, newest first.
type DoseList struct {
	DeviceID string `json:"deviceId"`
	Doses    []Dose `json:"doses"`
}

// NewDoseList converts ledger entries for display.
func NewDoseList(deviceID string, entries []pump.DoseEntry) DoseList {
	list := DoseList{DeviceID: deviceID, Doses: make([]Dose, 0, len(entries))}
	for _, e := range entries {
		list.Doses = append(list.Doses, Dose{ID: e.ID, Units: e.Units, CommittedAt: Timestamp(e.CommittedAt)})
	}
	return list
}

// GlucoseSample is one stored CGM reading.
type GlucoseSample struct {
	Mgdl int       `json:"mgdl"`
	At   Timestamp `json:"at"`
}

// GlucoseList is the response for GET /v1/pumps/{deviceId}/glucose, newest first.
type GlucoseList struct {
	DeviceID string          `json:"deviceId"`
	Samples  []GlucoseSample `json:"samples"`
}

func NewGlucoseList(deviceID string, samples []pump.GlucoseSample) GlucoseList {
	list := GlucoseList{DeviceID: deviceID, Samples: make([]GlucoseSample, 0, len(samples))}
	for _, s := range samples {
		list.Samples = append(list.Samples, GlucoseSample{Mgdl: s.Mgdl, At: Timestamp(s.At)})
	}
	return list
}
