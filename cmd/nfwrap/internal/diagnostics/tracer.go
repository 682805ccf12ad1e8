// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Trace exporters selectable with --trace-exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ErrUnknownExporter is returned for an exporter name NewTracer does not know.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// TracerConfig configures NewTracer.
type TracerConfig struct {
	// Exporter is one of ExporterNone, ExporterStdout or ExporterOTLP.
	// Default: ExporterNone.
	Exporter string

	// ServiceName is the service.name resource attribute. Default: "nfwrap".
	ServiceName string

	// Endpoint is the OTLP collector address. Default:
	// $OTEL_EXPORTER_OTLP_ENDPOINT, else "localhost:4317".
	Endpoint string

	// Insecure disables TLS to the collector.
	Insecure bool

	// Writer receives stdout spans. Default: os.Stderr, keeping stdout
	// for Nextflow.
	Writer io.Writer
}

// Tracer starts spans for launch stages.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	conn     *grpc.ClientConn
}

// NewTracer creates a Tracer for the configured exporter.
//
// # Description
//
// ExporterNone returns a no-op tracer with no provider. The other
// exporters build an SDK provider, install it as the global provider with
// W3C trace-context propagation, and must be flushed with Shutdown.
//
// # Outputs
//
//   - *Tracer: Ready to use
//   - error: ErrUnknownExporter, or exporter construction failure
func NewTracer(ctx context.Context, cfg TracerConfig) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nfwrap"
	}

	var (
		exporter sdktrace.SpanExporter
		conn     *grpc.ClientConn
		err      error
		opts     []sdktrace.TracerProviderOption
	)

	switch cfg.Exporter {
	case "", ExporterNone:
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil

	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exporter))

	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		var dialOpts []grpc.DialOption
		if cfg.Insecure {
			dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		conn, err = grpc.NewClient(endpoint, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("batch.job_id", os.Getenv("AWS_BATCH_JOB_ID")),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(append(opts,
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	)...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		tracer:   provider.Tracer(cfg.ServiceName),
		provider: provider,
		conn:     conn,
	}, nil
}

// StartSpan starts a span with string attributes.
//
// The returned func ends the span, recording err as the span status.
//
// # Examples
//
//	ctx, finish := tracer.StartSpan(ctx, "stage.fetch", map[string]string{"run_id": id})
//	err := fetch(ctx)
//	finish(err)
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for _, k := range keys {
		otelAttrs = append(otelAttrs, attribute.String(k, attrs[k]))
	}

	ctx, span := t.tracer.Start(ctx, name,
		trace.WithAttributes(otelAttrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	finish := func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
	return ctx, finish
}

// TraceID returns the hex trace ID of the span in ctx, or "".
func (t *Tracer) TraceID(ctx context.Context) string {
	traceID := trace.SpanFromContext(ctx).SpanContext().TraceID()
	if !traceID.IsValid() {
		return ""
	}
	return traceID.String()
}

// Shutdown flushes pending spans and closes the collector connection.
func (t *Tracer) Shutdown(ctx context.Context) error {
	var errs []error
	if t.provider != nil {
		errs = append(errs, t.provider.Shutdown(ctx))
	}
	if t.conn != nil {
		errs = append(errs, t.conn.Close())
	}
	return errors.Join(errs...)
}
