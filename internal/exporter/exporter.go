// Package exporter fetches Airparif indices and writes them as line protocol.
// It decides which upstream queries a run needs and in which order.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/breatheroute/airparif-influx/internal/airquality"
	"github.com/breatheroute/airparif-influx/internal/lineprotocol"
)

const instrumentationName = "github.com/breatheroute/airparif-influx/internal/exporter"

// PollutionClient fetches index records from the pollution API.
type PollutionClient interface {
	FetchByDay(ctx context.Context, day airquality.Day) ([]airquality.IndexRecord, error)
	FetchByAreaCodes(ctx context.Context, codes []string) ([]airquality.IndexRecord, error)
}

// NameResolver resolves INSEE codes to display names.
type NameResolver interface {
	Resolve(ctx context.Context, codes []string) (airquality.AreaNameMap, error)
}

// Options selects what a run exports.
type Options struct {
	// AreaCodes restricts the export to these communes. Empty exports the
	// region-wide indices for yesterday, today and tomorrow.
	AreaCodes []string

	// ResolveNames adds a city tag to commune records. Ignored without AreaCodes.
	ResolveNames bool

	// PollutantFields emits one line per day with a field per pollutant.
	// Ignored with AreaCodes, since a commune index covers several pollutants.
	PollutantFields bool
}

// Config holds the dependencies of an Exporter.
type Config struct {
	Client   PollutionClient
	Resolver NameResolver
	Logger   zerolog.Logger

	// Clock returns the reference time used for day tags and timestamps.
	// Default: time.Now.
	Clock func() time.Time
}

// Exporter runs exports. It is safe for concurrent use as long as its
// client and resolver are.
type Exporter struct {
	client   PollutionClient
	resolver NameResolver
	logger   zerolog.Logger
	clock    func() time.Time

	tracer       trace.Tracer
	linesEmitted metric.Int64Counter
}

// New creates an Exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.Client == nil {
		return nil, errors.New("exporter: pollution client is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	linesEmitted, err := otel.Meter(instrumentationName).Int64Counter(
		"airparif.lines.emitted",
		metric.WithDescription("Line protocol records written"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lines counter: %w", err)
	}

	return &Exporter{
		client:       cfg.Client,
		resolver:     cfg.Resolver,
		logger:       cfg.Logger,
		clock:        clock,
		tracer:       otel.Tracer(instrumentationName),
		linesEmitted: linesEmitted,
	}, nil
}

// Run performs one export and writes every line to w as soon as it is
// formatted. On error, lines already written stay written; nothing is
// written when name resolution fails.
func (e *Exporter) Run(ctx context.Context, w io.Writer, opts Options) error {
	mode := "region"
	if len(opts.AreaCodes) > 0 {
		mode = "cities"
	}

	ctx, span := e.tracer.Start(ctx, "exporter.Run", trace.WithAttributes(
		attribute.String("export.mode", mode),
		attribute.Bool("export.resolve_names", opts.ResolveNames),
		attribute.Bool("export.pollutant_fields", opts.PollutantFields),
	))
	defer span.End()

	out := &lineWriter{w: w}
	var err error
	if mode == "region" {
		err = e.exportRegion(ctx, out, opts)
	} else {
		err = e.exportCities(ctx, out, opts)
	}

	e.linesEmitted.Add(ctx, int64(out.lines), metric.WithAttributes(attribute.String("export.mode", mode)))
	span.SetAttributes(attribute.Int("export.lines", out.lines))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.logger.Debug().
		Str("mode", mode).
		Int("lines", out.lines).
		Msg("export completed")

	return nil
}

func (e *Exporter) exportRegion(ctx context.Context, out *lineWriter, opts Options) error {
	for _, day := range airquality.Days {
		records, err := e.client.FetchByDay(ctx, day)
		if err != nil {
			return err
		}

		e.logger.Debug().
			Stringer("day", day).
			Int("records", len(records)).
			Msg("fetched region indices")

		f := lineprotocol.NewFormatter(e.clock(), nil)

		if opts.PollutantFields {
			line, err := f.FormatCollapsed(records)
			if errors.Is(err, lineprotocol.ErrNoRecords) {
				return fmt.Errorf("%w: no index returned for %s", airquality.ErrAPI, day)
			}
			if err := out.writeLine(line); err != nil {
				return err
			}
			continue
		}

		for _, rec := range records {
			if err := out.writeLine(f.Format(rec)); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *Exporter) exportCities(ctx context.Context, out *lineWriter, opts Options) error {
	if opts.PollutantFields {
		e.logger.Debug().Msg("pollutant fields ignored when area codes are given")
	}

	var names airquality.AreaNameMap
	if opts.ResolveNames {
		if e.resolver == nil {
			return fmt.Errorf("%w: name resolution requested without a resolver", airquality.ErrResolve)
		}
		resolved, err := e.resolver.Resolve(ctx, opts.AreaCodes)
		if err != nil {
			return err
		}
		names = resolved

		e.logger.Debug().
			Int("requested", len(opts.AreaCodes)).
			Int("resolved", len(names)).
			Msg("resolved city names")
	}

	records, err := e.client.FetchByAreaCodes(ctx, opts.AreaCodes)
	if err != nil {
		return err
	}

	f := lineprotocol.NewFormatter(e.clock(), names)
	for _, rec := range records {
		if err := out.writeLine(f.Format(rec)); err != nil {
			return err
		}
	}

	return nil
}

// lineWriter writes newline-terminated lines and counts them.
type lineWriter struct {
	w     io.Writer
	lines int
}

func (lw *lineWriter) writeLine(line string) error {
	if _, err := io.WriteString(lw.w, line+"\n"); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	lw.lines++
	return nil
}
