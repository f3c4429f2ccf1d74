// Package telemetry installs the OpenTelemetry tracer provider and defines the
// span attribute keys shared by authorization, incident response and the MCP
// file server.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"lukhas/internal/config"
	"lukhas/internal/logging"
)

// InstrumentationName is the tracer name used across the module.
const InstrumentationName = "lukhas"

// Span attribute keys.
const (
	AttrSubject       = attribute.Key("lukhas.subject")
	AttrTier          = attribute.Key("lukhas.tier")
	AttrModule        = attribute.Key("lukhas.module")
	AttrAction        = attribute.Key("lukhas.action")
	AttrDecision      = attribute.Key("lukhas.decision")
	AttrReason        = attribute.Key("lukhas.reason")
	AttrPolicySource  = attribute.Key("lukhas.policy.source")
	AttrPolicyVersion = attribute.Key("lukhas.policy.version")

	AttrIncidentID       = attribute.Key("lukhas.incident.id")
	AttrIncidentCategory = attribute.Key("lukhas.incident.category")
	AttrIncidentSeverity = attribute.Key("lukhas.incident.severity")
	AttrPlaybook         = attribute.Key("lukhas.playbook")
	AttrStep             = attribute.Key("lukhas.step")
	AttrStepAction       = attribute.Key("lukhas.step.action")
	AttrStepStatus       = attribute.Key("lukhas.step.status")
	AttrExecutionStatus  = attribute.Key("lukhas.execution.status")

	AttrMCPSession = attribute.Key("lukhas.mcp.session")
	AttrMCPMethod  = attribute.Key("lukhas.mcp.method")
	AttrMCPTool    = attribute.Key("lukhas.mcp.tool")
	AttrMCPPath    = attribute.Key("lukhas.mcp.path")

	AttrMetric      = attribute.Key("lukhas.guardian.metric")
	AttrAlertLevel  = attribute.Key("lukhas.guardian.level")
	AttrMetricValue = attribute.Key("lukhas.guardian.value")
)

// Span names.
const (
	SpanAuthzDecide     = "lukhas.authz.decide"
	SpanIncidentRespond = "lukhas.incident.respond"
	SpanPlaybookExecute = "lukhas.playbook.execute"
	SpanPlaybookStep    = "lukhas.playbook.step"
	SpanMCPToolCall     = "lukhas.mcp.tool_call"
	SpanGuardianAlert   = "lukhas.guardian.alert"
)

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Setup installs a global tracer provider according to cfg. Exporter "none"
// still installs an SDK provider so spans are sampled and carry valid ids.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (ShutdownFunc, error) {
	return setup(ctx, cfg, os.Stdout)
}

func setup(ctx context.Context, cfg config.TelemetryConfig, out io.Writer) (ShutdownFunc, error) {
	name := cfg.ServiceName
	if name == "" {
		name = InstrumentationName
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", name),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch cfg.Exporter {
	case "", "none":
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	logging.Get(logging.CategoryTelemetry).Infow("tracer provider installed", "service", name, "exporter", cfg.Exporter)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}, nil
}
