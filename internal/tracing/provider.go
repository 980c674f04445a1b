package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"

	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	opflowtracing "github.com/opflow-labs/opflow/pkg/opflow/v1/tracing"
)

// defaultGRPCEndpoint is used when OTEL_EXPORTER_OTLP_ENDPOINT is unset and
// the protocol is gRPC.
const defaultGRPCEndpoint = "localhost:4317"

// defaultHTTPEndpoint is used when OTEL_EXPORTER_OTLP_ENDPOINT is unset and
// the protocol is OTLP over HTTP.
const defaultHTTPEndpoint = "localhost:4318"

// OtelTracerProvider implements the public tracing.TracerProvider interface
// on top of the OpenTelemetry SDK, or the official no-op provider when
// tracing is disabled or misconfigured.
type OtelTracerProvider struct {
	provider trace.TracerProvider
	// exporter and sdkProvider are nil for the no-op variant. They are
	// retained so Shutdown can flush buffered spans.
	exporter    sdktrace.SpanExporter
	sdkProvider *sdktrace.TracerProvider
}

var _ opflowtracing.TracerProvider = (*OtelTracerProvider)(nil)

// NewNoOpProvider returns a provider whose tracers discard every span.
func NewNoOpProvider() (*OtelTracerProvider, error) {
	return &OtelTracerProvider{provider: trace.NewNoopTracerProvider()}, nil
}

// NewProviderFromEnv builds a provider from the standard OTEL_* environment
// variables. Disabled tracing (OTEL_SDK_DISABLED=true), a missing endpoint
// or an exporter setup failure all degrade to the no-op provider rather
// than failing the run. The global OTel provider is not modified.
func NewProviderFromEnv(ctx context.Context, log opflowlog.Logger) (*OtelTracerProvider, error) {
	if strings.ToLower(os.Getenv("OTEL_SDK_DISABLED")) == "true" {
		log.Infof("OpenTelemetry tracing disabled via OTEL_SDK_DISABLED.")
		return NewNoOpProvider()
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceNameKey.String(otelServiceName())),
		resource.WithProcess(), resource.WithOS(), resource.WithContainer(), resource.WithHost(),
	)
	if err != nil {
		res = resource.Default()
		log.Warnf("Failed to build OTel resource description: %v. Using default resource.", err)
	}

	exporter, err := createExporter(ctx, log)
	if err != nil {
		log.Warnf("Failed to create OTLP exporter from environment: %v. Tracing disabled.", err)
		return NewNoOpProvider()
	}
	if exporter == nil {
		log.Infof("No OTLP endpoint configured; tracing disabled.")
		return NewNoOpProvider()
	}

	sdkTP := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	log.Infof("OpenTelemetry SDK tracer provider configured from environment.")
	return &OtelTracerProvider{provider: sdkTP, exporter: exporter, sdkProvider: sdkTP}, nil
}

// createExporter builds the OTLP span exporter matching the configured
// protocol. A nil exporter with a nil error means no endpoint is configured
// for an unrecognized protocol.
func createExporter(ctx context.Context, log opflowlog.Logger) (sdktrace.SpanExporter, error) {
	protocol := strings.ToLower(os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"))
	if protocol == "" {
		protocol = "grpc"
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		switch protocol {
		case "grpc":
			endpoint = defaultGRPCEndpoint
		case "http", "http/protobuf":
			endpoint = defaultHTTPEndpoint
		default:
			return nil, nil
		}
		log.Debugf("OTEL_EXPORTER_OTLP_ENDPOINT not set, using %s default %s.", protocol, endpoint)
	}

	headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	timeout := parseTimeout(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT"), 10*time.Second)
	compression := strings.ToLower(os.Getenv("OTEL_EXPORTER_OTLP_COMPRESSION"))
	insecure := isInsecure(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), os.Getenv("OTEL_EXPORTER_OTLP_TRACES_INSECURE"))

	switch protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithHeaders(headers),
			otlptracegrpc.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		if compression == "gzip" {
			opts = append(opts, otlptracegrpc.WithCompressor(gzip.Name))
		}
		log.Infof("Configuring OTLP gRPC exporter (endpoint: %s, insecure: %t).", endpoint, insecure)
		return otlptracegrpc.New(ctx, opts...)

	case "http", "http/protobuf":
		path := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
		if path == "" {
			path = "/v1/traces"
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithURLPath(path),
			otlptracehttp.WithHeaders(headers),
			otlptracehttp.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if compression == "gzip" {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		log.Infof("Configuring OTLP HTTP exporter (endpoint: %s%s, insecure: %t).", endpoint, path, insecure)
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

// GetTracer implements tracing.TracerProvider.
func (p *OtelTracerProvider) GetTracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p.provider == nil {
		return trace.NewNoopTracerProvider().Tracer(name, opts...)
	}
	return p.provider.Tracer(name, opts...)
}

// Shutdown flushes buffered spans and stops the SDK provider and exporter.
// It is a no-op for the no-op variant.
func (p *OtelTracerProvider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.sdkProvider != nil {
		if err := p.sdkProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.exporter != nil {
		if err := p.exporter.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// otelServiceName resolves the service.name resource attribute, defaulting
// to the binary's name.
func otelServiceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return "opflow"
}

// parseHeaders converts the comma separated key=value OTLP header string
// into a map.
func parseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	if headerStr == "" {
		return headers
	}
	for _, pair := range strings.Split(headerStr, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 {
			if key := strings.TrimSpace(kv[0]); key != "" {
				headers[key] = strings.TrimSpace(kv[1])
			}
		}
	}
	return headers
}

// parseTimeout accepts the OTLP millisecond form as well as Go duration
// syntax, falling back to defaultTimeout on anything invalid.
func parseTimeout(timeoutStr string, defaultTimeout time.Duration) time.Duration {
	if timeoutStr == "" {
		return defaultTimeout
	}
	if ms, err := strconv.ParseInt(timeoutStr, 10, 64); err == nil {
		if ms < 0 {
			return defaultTimeout
		}
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(timeoutStr); err == nil && d >= 0 {
		return d
	}
	return defaultTimeout
}

func isInsecure(flags ...string) bool {
	for _, flag := range flags {
		if strings.ToLower(strings.TrimSpace(flag)) == "true" {
			return true
		}
	}
	return false
}
