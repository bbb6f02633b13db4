package handler

import (
	"net/http"
	"time"

	"github.com/breatheroute/airparif-influx/internal/api/models"
	"github.com/breatheroute/airparif-influx/internal/api/response"
	"github.com/breatheroute/airparif-influx/internal/provider/resilience"
)

// HealthReporter reports the state of the upstream clients.
type HealthReporter interface {
	Health() []*resilience.UpstreamHealth
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	upstreams HealthReporter
	now       func() time.Time
}

// NewOpsHandler creates a new OpsHandler. upstreams may be nil.
func NewOpsHandler(version, buildTime string, upstreams HealthReporter) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		upstreams: upstreams,
		now:       time.Now,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
		Details: map[string]any{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// SystemStatus handles GET /v1/ops/status - circuit breaker state of every
// upstream API. The overall status is DEGRADED while any breaker is not
// closed; the response is still 200 so that scrapers can read it.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	status := models.SystemStatus{
		Status:    models.HealthStatusOK,
		Time:      models.Timestamp(h.now()),
		Providers: []models.ProviderStatus{},
	}

	if h.upstreams != nil {
		for _, u := range h.upstreams.Health() {
			provider := models.ProviderStatus{
				Provider:      u.Name,
				Status:        models.HealthStatusOK,
				CircuitState:  u.CircuitState.String(),
				Requests:      u.Counts.Requests,
				Failures:      u.Counts.ConsecutiveFailures,
				LastSuccessAt: timestampPtr(u.LastSuccessAt),
				LastFailureAt: timestampPtr(u.LastFailureAt),
			}
			if u.LastError != "" {
				msg := u.LastError
				provider.Message = &msg
			}
			if !u.IsHealthy() {
				provider.Status = models.HealthStatusFail
				status.Status = models.HealthStatusDegraded
			}
			status.Providers = append(status.Providers, provider)
		}
	}

	response.JSON(w, r, http.StatusOK, status)
}

func timestampPtr(t *time.Time) *models.Timestamp {
	if t == nil {
		return nil
	}
	ts := models.Timestamp(*t)
	return &ts
}
