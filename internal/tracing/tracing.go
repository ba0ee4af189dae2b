// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tracing sets up span export to an OTLP collector.
package tracing

import (
	"context"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName identifies the daemon's spans.
const ServiceName = "consolidatord"

// Provider hands out tracers and flushes pending spans on shutdown.
type Provider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

type noopProvider struct {
	noop.TracerProvider
}

func (noopProvider) Shutdown(context.Context) error {
	return nil
}

// NewProvider returns a provider exporting spans to the collector at
// endpoint over gRPC, and installs it as the global provider. An empty
// endpoint returns a provider that records nothing.
func NewProvider(ctx context.Context, endpoint string, insecure bool, version, instanceID string) (Provider, error) {
	if endpoint == "" {
		return noopProvider{TracerProvider: noop.NewTracerProvider()}, nil
	}
	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
	}
	if insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}

	client := otlptracegrpc.NewClient(options...)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, errors.Annotatef(err, "creating trace exporter for %q", endpoint)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(version, instanceID)),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func newResource(version, instanceID string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
		semconv.ServiceInstanceID(instanceID),
	)
}
