// Package opendatasoft resolves INSEE codes to commune names using the
// opendatasoft "correspondance-code-insee-code-postal" dataset.
package opendatasoft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/breatheroute/airparif-influx/internal/airquality"
	"github.com/breatheroute/airparif-influx/internal/provider/resilience"
)

const (
	// DefaultBaseURL is the opendatasoft public portal.
	DefaultBaseURL = "https://public.opendatasoft.com"

	// Dataset is the INSEE to postal code correspondence dataset.
	Dataset = "correspondance-code-insee-code-postal"

	// ProviderName identifies this upstream in logs and health reports.
	ProviderName = "opendatasoft"

	searchPath = "/api/records/1.0/search/"
	tracerName = "github.com/breatheroute/airparif-influx/internal/geocoding/opendatasoft"
	maxBody    = 4 << 20
)

// ClientConfig holds configuration for the geocoding client.
type ClientConfig struct {
	// BaseURL is the portal base URL (defaults to DefaultBaseURL).
	BaseURL string

	// HTTPClient executes requests. If nil, a resilient client without
	// retries is created.
	HTTPClient HTTPDoer

	// Timeout for individual requests when HTTPClient is nil (default: 10s).
	Timeout time.Duration
}

// HTTPDoer abstracts HTTP request execution.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client resolves INSEE codes to display names.
type Client struct {
	baseURL    string
	httpClient HTTPDoer
	tracer     trace.Tracer
}

// NewClient creates a new geocoding client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		rc := resilience.DefaultClientConfig(ProviderName)
		if cfg.Timeout > 0 {
			rc.Timeout = cfg.Timeout
		}
		httpClient = resilience.NewClient(rc)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		tracer:     otel.Tracer(tracerName),
	}
}

// Resolve looks up all codes with a single "or" query and returns the
// code -> name map. Codes unknown to the dataset are simply absent.
func (c *Client) Resolve(ctx context.Context, codes []string) (airquality.AreaNameMap, error) {
	ctx, span := c.tracer.Start(ctx, "opendatasoft.Resolve",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.StringSlice("insee", codes)),
	)
	defer span.End()

	names, err := c.resolve(ctx, codes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("opendatasoft.resolved", len(names)))
	return names, nil
}

func (c *Client) resolve(ctx context.Context, codes []string) (airquality.AreaNameMap, error) {
	query := url.Values{}
	query.Set("rows", strconv.Itoa(len(codes)))
	query.Set("q", strings.Join(codes, " or "))
	query.Set("start", "0")
	query.Set("dataset", Dataset)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+searchPath+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", airquality.ErrResolve, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", airquality.ErrResolve, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", airquality.ErrResolve, err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json response (status %d)", airquality.ErrResolve, resp.StatusCode)
	}

	// opendatasoft reports query errors as {"error": "..."}, sometimes with a 200.
	if apiErr := gjson.GetBytes(body, "error"); apiErr.Exists() {
		return nil, fmt.Errorf("%w: %s", airquality.ErrResolve, apiErr.String())
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", airquality.ErrResolve, resp.StatusCode)
	}

	records := gjson.GetBytes(body, "records")
	if !records.IsArray() {
		return nil, fmt.Errorf("%w: unexpected response shape", airquality.ErrResolve)
	}

	names := make(airquality.AreaNameMap)
	var parseErr error
	records.ForEach(func(_, record gjson.Result) bool {
		code := record.Get("fields.insee_com")
		name := record.Get("fields.nom_comm")
		if !code.Exists() || name.Type != gjson.String {
			parseErr = errors.New("record without insee_com or nom_comm")
			return false
		}
		names[code.String()] = NormalizeName(name.String())
		return true
	})
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", airquality.ErrResolve, parseErr)
	}

	return names, nil
}

// NormalizeName turns a dataset commune name into its display form: hyphens
// become spaces and every word is title-cased
// ("PARIS-1ER-ARRONDISSEMENT" -> "Paris 1er Arrondissement").
func NormalizeName(raw string) string {
	return cases.Title(language.French).String(strings.ReplaceAll(raw, "-", " "))
}
