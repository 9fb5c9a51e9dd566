package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/lyzr/canvasgraph/common/config"
	"github.com/lyzr/canvasgraph/common/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	serviceName string
	cfg         config.TelemetryConfig

	pprofServer    *http.Server
	tracerProvider *sdktrace.TracerProvider
}

// New creates telemetry components
func New(serviceName string, cfg config.TelemetryConfig, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:         log,
		serviceName: serviceName,
		cfg:         cfg,
	}
}

// Start starts the pprof endpoint and installs the global tracer provider
func (t *Telemetry) Start(ctx context.Context) error {
	if t.cfg.EnablePprof {
		t.startPprof()
	}
	if t.cfg.EnableTracing {
		if err := t.startTracing(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telemetry) startPprof() {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	t.pprofServer = &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", t.cfg.PprofPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofServer.Addr)
		if err := t.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("pprof server error", "error", err)
		}
	}()
}

func (t *Telemetry) startTracing(ctx context.Context) error {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(t.cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	ratio := t.cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(
			append(hostAttributes(), attribute.String("service.name", t.serviceName))...,
		)),
	)
	otel.SetTracerProvider(t.tracerProvider)

	t.log.Info("tracing enabled", "endpoint", t.cfg.OTLPEndpoint, "sample_ratio", ratio)
	return nil
}

// Shutdown flushes pending spans and stops the pprof server
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}
	if t.pprofServer != nil {
		if err := t.pprofServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown pprof server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// TracingEnabled reports whether spans are exported
func (t *Telemetry) TracingEnabled() bool {
	return t.tracerProvider != nil
}

// RecordDuration logs how long an operation took
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
