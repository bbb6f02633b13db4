// Package handler provides the HTTP handlers of the exposition server.
package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/breatheroute/airparif-influx/internal/airquality"
	"github.com/breatheroute/airparif-influx/internal/api/middleware"
	"github.com/breatheroute/airparif-influx/internal/api/models"
	"github.com/breatheroute/airparif-influx/internal/api/response"
	"github.com/breatheroute/airparif-influx/internal/exporter"
	"github.com/breatheroute/airparif-influx/internal/provider/resilience"
)

// Runner runs one export into w.
type Runner interface {
	Run(ctx context.Context, w io.Writer, opts exporter.Options) error
}

// MetricsHandler serves line protocol for Telegraf's http input.
type MetricsHandler struct {
	runner   Runner
	defaults exporter.Options
	logger   zerolog.Logger
}

// NewMetricsHandler creates a MetricsHandler. defaults apply to requests
// without query parameters.
func NewMetricsHandler(runner Runner, defaults exporter.Options, logger zerolog.Logger) *MetricsHandler {
	return &MetricsHandler{
		runner:   runner,
		defaults: defaults,
		logger:   logger,
	}
}

// Export handles GET /metrics.
//
// Query parameters override the configured export:
//   - city: INSEE code, repeatable or comma separated
//   - name: resolve city names (bool)
//   - pollutant: one line per day with a field per pollutant (bool)
//
// The export is buffered so that a failing upstream yields a problem
// document instead of a truncated body.
func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	opts, fieldErrs := h.options(r)
	if len(fieldErrs) > 0 {
		response.BadRequest(w, r, "invalid query parameters", fieldErrs)
		return
	}

	var buf bytes.Buffer
	if err := h.runner.Run(r.Context(), &buf, opts); err != nil {
		h.writeExportError(w, r, err)
		return
	}

	response.LineProtocol(w, r, buf.Bytes())
}

func (h *MetricsHandler) options(r *http.Request) (exporter.Options, []models.FieldError) {
	opts := h.defaults
	query := r.URL.Query()
	var fieldErrs []models.FieldError

	if values, ok := query["city"]; ok {
		opts.AreaCodes = nil
		for _, value := range values {
			for _, code := range strings.Split(value, ",") {
				code = strings.TrimSpace(code)
				if code == "" {
					continue
				}
				normalized, err := airquality.NormalizeAreaCode(code)
				if err != nil {
					fieldErrs = append(fieldErrs, models.FieldError{
						Field:   "city",
						Message: strconv.Quote(code) + " is not a numeric INSEE code",
						Code:    "INVALID_INSEE",
					})
					continue
				}
				opts.AreaCodes = append(opts.AreaCodes, normalized)
			}
		}
	}

	for _, flag := range []struct {
		name   string
		target *bool
	}{
		{"name", &opts.ResolveNames},
		{"pollutant", &opts.PollutantFields},
	} {
		raw := query.Get(flag.name)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			fieldErrs = append(fieldErrs, models.FieldError{
				Field:   flag.name,
				Message: "must be a boolean",
				Code:    "INVALID_BOOL",
			})
			continue
		}
		*flag.target = value
	}

	return opts, fieldErrs
}

func (h *MetricsHandler) writeExportError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn().
		Err(err).
		Str("request_id", middleware.GetRequestID(r.Context())).
		Msg("export failed")

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		response.ServiceUnavailable(w, r, "upstream temporarily disabled after repeated failures")
	case errors.Is(err, airquality.ErrArgument):
		response.BadRequest(w, r, err.Error(), nil)
	case errors.Is(err, airquality.ErrAPI), errors.Is(err, airquality.ErrResolve):
		response.BadGateway(w, r, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		response.InternalError(w, r, "export failed")
	}
}
