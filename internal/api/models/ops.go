package models

import (
	"github.com/pumpsync/pumpsync/internal/provider/resilience"
)

// Health represents the health status of the service.
type Health struct {
	Status  HealthStatus           `json:"status"`
	Time    Timestamp              `json:"time"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Readiness reports whether every pump manager is running.
type Readiness struct {
	Status  HealthStatus   `json:"status"`
	Time    Timestamp      `json:"time"`
	Devices []DeviceHealth `json:"devices"`
}

// DeviceHealth is one device's entry in Readiness.
type DeviceHealth struct {
	DeviceID string       `json:"deviceId"`
	Status   HealthStatus `json:"status"`
	Stale    bool         `json:"stale"`
}

// LinkStatus represents one radio link in the selection order.
type LinkStatus struct {
	Name          string       `json:"name"`
	Status        HealthStatus `json:"status"`
	CircuitState  string       `json:"circuitState"`
	Deprioritized bool         `json:"deprioritized"`
	Failures      uint32       `json:"consecutiveFailures"`
	LastSuccessAt *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt *Timestamp   `json:"lastFailureAt,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
}

// LinkList is the response for GET /v1/ops/links, in selection order.
type LinkList struct {
	Links []LinkStatus `json:"links"`
}

// NewLinkStatus converts registry health for display.
func NewLinkStatus(h *resilience.LinkHealth) LinkStatus {
	status := HealthStatusOK
	switch {
	case h.IsUnhealthy():
		status = HealthStatusFail
	case h.IsDegraded(), h.Deprioritized:
		status = HealthStatusDegraded
	}
	return LinkStatus{
		Name:          h.Name,
		Status:        status,
		CircuitState:  h.State,
		Deprioritized: h.Deprioritized,
		Failures:      h.Counts.ConsecutiveFailures,
		LastSuccessAt: timestampPtr(h.LastSuccessAt),
		LastFailureAt: timestampPtr(h.LastFailureAt),
		LastError:     h.LastError,
	}
}
