package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	sessiondomain "remote-desktop-server/internal/session/domain"
)

// Metrics records connection, session and host resource instruments.
// It satisfies the session registry observer and the acceptor's metrics hooks.
type Metrics struct {
	activeConnections   otelmetric.Int64UpDownCounter
	rejectedConnections otelmetric.Int64Counter
	activeSessions      otelmetric.Int64UpDownCounter
	sessionsCreated     otelmetric.Int64Counter
	sessionDuration     otelmetric.Float64Histogram
	hostCPU             otelmetric.Float64Gauge
	hostMemory          otelmetric.Float64Gauge
}

// NewMetrics creates the instruments on a meter from mp.
func NewMetrics(mp otelmetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("rdp.server")
	var (
		m   Metrics
		err error
	)
	if m.activeConnections, err = meter.Int64UpDownCounter("rdp.connections.active",
		otelmetric.WithDescription("Live client connections")); err != nil {
		return nil, err
	}
	if m.rejectedConnections, err = meter.Int64Counter("rdp.connections.rejected",
		otelmetric.WithDescription("Connections closed at accept time")); err != nil {
		return nil, err
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("rdp.sessions.active",
		otelmetric.WithDescription("Sessions in connecting or connected state")); err != nil {
		return nil, err
	}
	if m.sessionsCreated, err = meter.Int64Counter("rdp.sessions.created"); err != nil {
		return nil, err
	}
	if m.sessionDuration, err = meter.Float64Histogram("rdp.session.duration",
		otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.hostCPU, err = meter.Float64Gauge("rdp.host.cpu.utilization", otelmetric.WithUnit("%")); err != nil {
		return nil, err
	}
	if m.hostMemory, err = meter.Float64Gauge("rdp.host.memory.utilization", otelmetric.WithUnit("%")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	m.activeConnections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	m.activeConnections.Add(ctx, -1)
}

// ConnectionRejected counts a connection closed at accept time; reason is "capacity" or "blocked".
func (m *Metrics) ConnectionRejected(ctx context.Context, reason string) {
	m.rejectedConnections.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) HostSample(ctx context.Context, cpuPercent, memoryPercent float64) {
	m.hostCPU.Record(ctx, cpuPercent)
	m.hostMemory.Record(ctx, memoryPercent)
}

func (m *Metrics) SessionCreated(ctx context.Context, s *sessiondomain.Session) {
	kind := attribute.String("kind", string(s.Kind))
	m.activeSessions.Add(ctx, 1, otelmetric.WithAttributes(kind))
	m.sessionsCreated.Add(ctx, 1, otelmetric.WithAttributes(kind))
}

func (m *Metrics) SessionEnded(ctx context.Context, s *sessiondomain.Session) {
	kind := attribute.String("kind", string(s.Kind))
	m.activeSessions.Add(ctx, -1, otelmetric.WithAttributes(kind))
	end := time.Now()
	if s.EndTime != nil {
		end = *s.EndTime
	}
	m.sessionDuration.Record(ctx, end.Sub(s.StartTime).Seconds(), otelmetric.WithAttributes(kind))
}
