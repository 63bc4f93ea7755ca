package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/hesabu/internal/sandbox"
)

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string // "process" or "docker"
	metrics     *MetricsCollector
	tracer      trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
	}
}

func (s *InstrumentedSandbox) Run(ctx context.Context, req sandbox.RunRequest) (*sandbox.RunResult, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.type", s.sandboxType),
				attribute.String("sandbox.interpreter", req.Interpreter),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Run(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordExecution(status, duration)
	}

	return result, err
}

var _ sandbox.Sandbox = (*InstrumentedSandbox)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
