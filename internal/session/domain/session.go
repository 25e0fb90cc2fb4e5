package domain

import "time"

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s State) IsTerminal() bool { return s == StateDisconnected }

// Kind distinguishes what the client asked to run.
type Kind string

const (
	KindDesktop   Kind = "desktop"
	KindRemoteApp Kind = "remote_app"
	KindConsole   Kind = "console"
	KindAdmin     Kind = "admin"
)

// Display is the negotiated desktop geometry.
type Display struct {
	Width      int
	Height     int
	ColorDepth int
}

// DefaultDisplay is used when the client does not negotiate one.
var DefaultDisplay = Display{Width: 1920, Height: 1080, ColorDepth: 32}

// Session is one authenticated remote desktop session.
// EndTime is set exactly when State is terminal.
type Session struct {
	Token            string
	Username         string
	Domain           string
	ClientAddr       string
	Kind             Kind
	Display          Display
	State            State
	StartTime        time.Time
	LastActivity     time.Time
	EndTime          *time.Time // nil until the session ends
	BytesSent        int64
	BytesReceived    int64
	AverageLatencyMs float64
	CPUUsage         float64
	MemoryUsageMB    int64
	DisconnectReason string
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return &c
}

// Duration is the time between start and end, or start and now for live sessions.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// Activity is an append-only record of something a user did inside a session.
type Activity struct {
	ID           string
	SessionToken string
	Type         string
	Details      string
	CreatedAt    time.Time
}

const (
	ActivityInput     = "INPUT_EVENT"
	ActivityAppLaunch = "APP_LAUNCH"
	ActivityDesktop   = "DESKTOP_REQUEST"
)
