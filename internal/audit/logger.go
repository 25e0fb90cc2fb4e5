// Package audit records security events: persisted to the event store and fanned out to telemetry sinks.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"remote-desktop-server/internal/audit/domain"
	auditrepo "remote-desktop-server/internal/audit/repository"
	"remote-desktop-server/internal/telemetry"
)

const persistTimeout = 5 * time.Second

// IPExtractor returns the client IP from the request context (e.g. gRPC metadata or peer).
type IPExtractor func(context.Context) string

// EventLogger records a single security event. LogEvent is best-effort: failures are logged and do not affect the caller.
type EventLogger interface {
	LogEvent(ctx context.Context, event domain.SecurityEvent)
}

// Logger implements EventLogger using the event repository and an optional async dispatcher.
type Logger struct {
	repo        auditrepo.Repository
	dispatcher  *telemetry.Dispatcher
	ipExtractor IPExtractor
	serverName  string
	nowF        func() time.Time
}

// NewLogger returns an EventLogger that persists to repo and publishes through dispatcher.
// repo, dispatcher and ipExtractor may each be nil.
func NewLogger(repo auditrepo.Repository, dispatcher *telemetry.Dispatcher, ipExtractor IPExtractor, serverName string) *Logger {
	return &Logger{
		repo:        repo,
		dispatcher:  dispatcher,
		ipExtractor: ipExtractor,
		serverName:  serverName,
		nowF:        func() time.Time { return time.Now().UTC() },
	}
}

// LogEvent fills ID, timestamp, server name and default severity, then writes the event.
// Persistence outlives caller cancellation so events raised during shutdown are still stored.
func (l *Logger) LogEvent(ctx context.Context, event domain.SecurityEvent) {
	if l == nil {
		return
	}
	event.ID = uuid.New().String()
	event.CreatedAt = l.nowF()
	event.ServerName = l.serverName
	if event.Severity == "" {
		event.Severity = domain.SeverityInfo
	}
	if event.ClientIP == "" && l.ipExtractor != nil {
		event.ClientIP = l.ipExtractor(ctx)
	}

	if event.Severity != domain.SeverityInfo {
		log.Printf("security: %s severity=%s user=%q session=%s ip=%s: %s",
			event.Type, event.Severity, event.Username, event.SessionToken, event.ClientIP, event.Details)
	}

	if l.repo != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if err := l.repo.Create(persistCtx, &event); err != nil {
			log.Printf("audit: failed to log event %s: %v", event.Type, err)
		}
		cancel()
	}
	l.dispatcher.EmitAsync(&event)
}
