// Package telemetry provides optional, gracefully-degrading OpenTelemetry
// tracing for the enrichment pipeline.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the pipeline.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider. When cfg.Enabled is false,
// or the exporter is unrecognized, it returns a Provider whose tracer is a
// no-op: every call site stays the same regardless of configuration.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("tracel"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "tracel"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("tracel"),
		}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("tracel"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is actively exporting.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attribute keys for the enrichment pipeline.
const (
	AttrOwnerID       = "tracel.owner.id"
	AttrPacketID      = "tracel.packet.id"
	AttrAnomalyScore  = "tracel.anomaly.score"
	AttrScored        = "tracel.ai.scored"
	AttrClassified    = "tracel.classification"
	AttrAttackVector  = "tracel.attack_vector"
	AttrSrcIP         = "tracel.packet.src_ip"
	AttrDstIP         = "tracel.packet.dst_ip"
	AttrEnrichLatency = "tracel.enrich.duration_ms"
)

// StartPipelineSpan starts a span covering one packet's enrichment and
// classification pass.
func (p *Provider) StartPipelineSpan(ctx context.Context, ownerID, packetID string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "pipeline.enrich",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrOwnerID, ownerID),
			attribute.String(AttrPacketID, packetID),
		),
	)
	return ctx, span
}

// EndPipelineSpan ends a pipeline span with the enrichment outcome.
func (p *Provider) EndPipelineSpan(span trace.Span, score float64, scored bool, classification, attackVector string, err error) {
	span.SetAttributes(
		attribute.Float64(AttrAnomalyScore, score),
		attribute.Bool(AttrScored, scored),
		attribute.String(AttrClassified, classification),
		attribute.String(AttrAttackVector, attackVector),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordOwnerCreated records an owner-lifecycle-start event.
func (p *Provider) RecordOwnerCreated(ctx context.Context, ownerID string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("owner.created", trace.WithAttributes(attribute.String(AttrOwnerID, ownerID)))
}

// RecordOwnerTornDown records an owner idle-teardown event.
func (p *Provider) RecordOwnerTornDown(ctx context.Context, ownerID string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("owner.torn_down", trace.WithAttributes(attribute.String(AttrOwnerID, ownerID)))
}

// RecordThreatClassified records a THREAT classification as its own short
// "threat.classified" span; the pipeline calls it for every THREAT packet.
func (p *Provider) RecordThreatClassified(ctx context.Context, ownerID, packetID, attackVector string, score float64) {
	_, span := p.tracer.Start(ctx, "threat.classified",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrOwnerID, ownerID),
			attribute.String(AttrPacketID, packetID),
			attribute.String(AttrAttackVector, attackVector),
			attribute.Float64(AttrAnomalyScore, score),
		),
	)
	span.End()
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "tracel",
	}
}

// ConfigFromEnv creates config from environment variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("TELEMETRY_EXPORTER")
	}
	if os.Getenv("TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that records nothing, for tests.
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("tracel-noop"),
	}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
