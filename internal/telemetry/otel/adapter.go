package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"remote-desktop-server/internal/audit/domain"
	"remote-desktop-server/internal/telemetry"
)

const instrumentationName = "rdp.security"

// recordEmitter is the subset of otellog.Logger the emitter needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends security events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger(instrumentationName)}
}

// NewEventEmitterWithLogger wraps any record emitter; used in tests to capture records.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.SecurityEvent) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the security event to an OTel log record and emits it.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.SecurityEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	sev, sevText := severityOf(event.Severity)
	rec.SetSeverity(sev)
	rec.SetSeverityText(sevText)
	if event.Details != "" {
		rec.SetBody(otellog.StringValue(event.Details))
	}
	rec.AddAttributes(
		otellog.String("event_type", event.Type),
		otellog.Bool("success", event.Success),
	)
	if event.ID != "" {
		rec.AddAttributes(otellog.String("event_id", event.ID))
	}
	if event.Username != "" {
		rec.AddAttributes(otellog.String("username", event.Username))
	}
	if event.SessionToken != "" {
		rec.AddAttributes(otellog.String("session_token", event.SessionToken))
	}
	if event.ClientIP != "" {
		rec.AddAttributes(otellog.String("client_ip", event.ClientIP))
	}
	if event.ServerName != "" {
		rec.AddAttributes(otellog.String("server_name", event.ServerName))
	}
	e.logger.Emit(ctx, rec)
	return nil
}

func severityOf(s domain.Severity) (otellog.Severity, string) {
	switch s {
	case domain.SeverityWarning:
		return otellog.SeverityWarn, "WARN"
	case domain.SeverityError:
		return otellog.SeverityError, "ERROR"
	case domain.SeverityCritical:
		return otellog.SeverityFatal, "CRITICAL"
	default:
		return otellog.SeverityInfo, "INFO"
	}
}
