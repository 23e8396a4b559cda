package handler

import (
	"net/http"
	"time"

	"github.com/pumpsync/pumpsync/internal/api/models"
	"github.com/pumpsync/pumpsync/internal/api/response"
	"github.com/pumpsync/pumpsync/internal/provider/resilience"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	pumps     *Pumps
	links     *resilience.Registry
	now       func() time.Time
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, pumps *Pumps, links *resilience.Registry) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		pumps:     pumps,
		links:     links,
		now:       time.Now,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.OK(w, r, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
			"devices":   len(h.pumps.All()),
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready. It fails while any manager is
// not running and reports stale devices as degraded.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ready := models.Readiness{
		Status:  models.HealthStatusOK,
		Time:    models.Timestamp(h.now()),
		Devices: make([]models.DeviceHealth, 0, len(h.pumps.All())),
	}

	for _, p := range h.pumps.All() {
		entry := models.DeviceHealth{DeviceID: p.DeviceID(), Status: models.HealthStatusOK}
		if !p.Running() {
			entry.Status = models.HealthStatusFail
		} else if view, err := p.Snapshot(r.Context()); err != nil {
			entry.Status = models.HealthStatusFail
		} else if view.Stale {
			entry.Status = models.HealthStatusDegraded
			entry.Stale = true
		}

		switch {
		case entry.Status == models.HealthStatusFail:
			ready.Status = models.HealthStatusFail
		case entry.Status == models.HealthStatusDegraded && ready.Status == models.HealthStatusOK:
			ready.Status = models.HealthStatusDegraded
		}
		ready.Devices = append(ready.Devices, entry)
	}

	status := http.StatusOK
	if ready.Status == models.HealthStatusFail {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, ready)
}

// Links handles GET /v1/ops/links - radio links in selection order.
func (h *OpsHandler) Links(w http.ResponseWriter, r *http.Request) {
	list := models.LinkList{Links: []models.LinkStatus{}}
	if h.links != nil {
		for _, name := range h.links.SelectionOrder() {
			if health := h.links.GetHealth(name); health != nil {
				list.Links = append(list.Links, models.NewLinkStatus(health))
			}
		}
	}
	response.OK(w, r, list)
}
