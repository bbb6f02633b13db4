// Package airparif provides a client for the Airparif pollution index API.
package airparif

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/breatheroute/airparif-influx/internal/airquality"
	"github.com/breatheroute/airparif-influx/internal/provider/resilience"
)

const (
	// DefaultBaseURL is the base URL for the Airparif API.
	DefaultBaseURL = "https://www.airparif.asso.fr/services/api/1.1"

	// ProviderName identifies this upstream in logs and health reports.
	ProviderName = "airparif"

	tracerName = "github.com/breatheroute/airparif-influx/internal/airquality/airparif"
)

// ClientConfig holds configuration for the Airparif client.
type ClientConfig struct {
	// APIKey is the Airparif API key. Required.
	APIKey string

	// BaseURL is the API base URL (defaults to DefaultBaseURL).
	BaseURL string

	// HTTPClient executes requests. If nil, a resilient client without
	// retries is created.
	HTTPClient HTTPDoer

	// Timeout for individual API requests when HTTPClient is nil (default: 10s).
	Timeout time.Duration
}

// HTTPDoer abstracts HTTP request execution.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is an Airparif API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient HTTPDoer
	tracer     trace.Tracer
}

// NewClient creates a new Airparif client.
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
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		tracer:     otel.Tracer(tracerName),
	}
}

// API response types.

// indexResult is one entry of the /indice response, keyed by pollutant.
type indexResult struct {
	Indice *int `json:"indice"`
}

type cityIndexResult struct {
	Insee     json.Number    `json:"ninsee"`
	Yesterday *cityDayResult `json:"hier"`
	Today     *cityDayResult `json:"jour"`
	Tomorrow  *cityDayResult `json:"demain"`
}

type cityDayResult struct {
	Date       string   `json:"date"`
	Indice     int      `json:"indice"`
	Pollutants []string `json:"polluants"`
}

// FetchByDay retrieves the region-wide indices for day: one record per
// pollutant (including "global"), ordered by pollutant name.
func (c *Client) FetchByDay(ctx context.Context, day airquality.Day) ([]airquality.IndexRecord, error) {
	ctx, span := c.tracer.Start(ctx, "airparif.FetchByDay",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("airparif.day", day.String())),
	)
	defer span.End()

	records, err := c.fetchByDay(ctx, day)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("airparif.records", len(records)))
	return records, nil
}

func (c *Client) fetchByDay(ctx context.Context, day airquality.Day) ([]airquality.IndexRecord, error) {
	query := url.Values{}
	query.Set("date", day.QueryValue())

	var raw map[string]json.RawMessage
	if err := c.get(ctx, "/indice", query, &raw); err != nil {
		return nil, fmt.Errorf("fetch %s index: %w", day, err)
	}

	var dateStr string
	if err := json.Unmarshal(raw["date"], &dateStr); err != nil {
		return nil, fmt.Errorf("%w: %s index: missing date", airquality.ErrAPI, day)
	}
	date, err := civil.ParseDate(dateStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s index: invalid date %q", airquality.ErrAPI, day, dateStr)
	}

	pollutants := make([]string, 0, len(raw))
	for key := range raw {
		if key != "date" {
			pollutants = append(pollutants, key)
		}
	}
	sort.Strings(pollutants)

	records := make([]airquality.IndexRecord, 0, len(pollutants))
	for _, pollutant := range pollutants {
		var result indexResult
		if err := json.Unmarshal(raw[pollutant], &result); err != nil || result.Indice == nil {
			continue // not an index entry
		}
		records = append(records, airquality.IndexRecord{
			Date:       date,
			Index:      *result.Indice,
			Pollutants: []string{pollutant},
		})
	}

	return records, nil
}

// FetchByAreaCodes retrieves yesterday, today and tomorrow indices for every
// INSEE code in a single request. Records are ordered by commune as returned
// upstream, then by day.
func (c *Client) FetchByAreaCodes(ctx context.Context, areaCodes []string) ([]airquality.IndexRecord, error) {
	ctx, span := c.tracer.Start(ctx, "airparif.FetchByAreaCodes",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.StringSlice("airparif.insee", areaCodes)),
	)
	defer span.End()

	records, err := c.fetchByAreaCodes(ctx, areaCodes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("airparif.records", len(records)))
	return records, nil
}

func (c *Client) fetchByAreaCodes(ctx context.Context, areaCodes []string) ([]airquality.IndexRecord, error) {
	query := url.Values{}
	query.Set("villes", strings.Join(areaCodes, ","))

	var results []cityIndexResult
	if err := c.get(ctx, "/idxville", query, &results); err != nil {
		return nil, fmt.Errorf("fetch city indices: %w", err)
	}

	records := make([]airquality.IndexRecord, 0, len(results)*len(airquality.Days))
	for _, city := range results {
		code := city.Insee.String()
		if code == "" {
			return nil, fmt.Errorf("%w: city index without ninsee", airquality.ErrAPI)
		}
		for _, day := range []*cityDayResult{city.Yesterday, city.Today, city.Tomorrow} {
			if day == nil {
				continue
			}
			date, err := civil.ParseDate(day.Date)
			if err != nil {
				return nil, fmt.Errorf("%w: city %s: invalid date %q", airquality.ErrAPI, code, day.Date)
			}
			records = append(records, airquality.IndexRecord{
				Date:       date,
				Index:      day.Indice,
				AreaCode:   airquality.AreaCode(code),
				Pollutants: day.Pollutants,
			})
		}
	}

	return records, nil
}

// get issues a GET on path and decodes the JSON body into out. Every failure
// wraps airquality.ErrAPI; the API key never appears in the error text.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	query.Set("key", c.apiKey)
	endpoint := c.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", airquality.ErrAPI, redact(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", airquality.ErrAPI, path, redact(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d from %s", airquality.ErrAPI, resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", airquality.ErrAPI, path, err)
	}

	return nil
}

// redact strips the request URL, which carries the API key, from transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
