package domain

import "time"

// Severity grades a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Security event types recorded by the server.
const (
	EventServerStarted      = "SERVER_STARTED"
	EventServerStopping     = "SERVER_STOPPING"
	EventConnectionAccepted = "CONNECTION_ACCEPTED"
	EventConnectionRejected = "CONNECTION_REJECTED"
	EventConnectionBlocked  = "CONNECTION_BLOCKED"
	EventConnectionError    = "CONNECTION_ERROR"
	EventHandshakeFailed    = "HANDSHAKE_FAILED"
	EventProtocolError      = "PROTOCOL_ERROR"
	EventIdleDisconnect     = "IDLE_DISCONNECT"
	EventLoginSuccess       = "LOGIN_SUCCESS"
	EventLoginFailed        = "LOGIN_FAILED"
	EventAccountLocked      = "ACCOUNT_LOCKED"
	EventAccountUnlocked    = "ACCOUNT_UNLOCKED"
	EventTwoFactorFailed    = "TWO_FACTOR_FAILED"
	EventAdmissionDenied    = "ADMISSION_DENIED"
	EventSessionCreated     = "SESSION_CREATED"
	EventSessionEnded       = "SESSION_ENDED"
	EventSessionTerminated  = "SESSION_TERMINATED"
	EventIPBlocked          = "IP_BLOCKED"
	EventIPUnblocked        = "IP_UNBLOCKED"
	EventHighCPUUsage       = "HIGH_CPU_USAGE"
	EventHighMemoryUsage    = "HIGH_MEMORY_USAGE"
)

// SecurityEvent is an append-only audit record. JSON tags define the Kafka payload.
type SecurityEvent struct {
	ID           string    `json:"id"`
	Type         string    `json:"eventType"`
	Severity     Severity  `json:"severity"`
	Details      string    `json:"details,omitempty"`
	Username     string    `json:"username,omitempty"`
	SessionToken string    `json:"sessionToken,omitempty"`
	ClientIP     string    `json:"clientIp,omitempty"`
	Success      bool      `json:"success"`
	ServerName   string    `json:"serverName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
