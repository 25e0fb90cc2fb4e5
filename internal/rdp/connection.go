package rdp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	auditdomain "remote-desktop-server/internal/audit/domain"
	identityservice "remote-desktop-server/internal/identity/service"
	"remote-desktop-server/internal/perf"
	"remote-desktop-server/internal/session"
	sessiondomain "remote-desktop-server/internal/session/domain"
)

// Disconnect reasons recorded on the session.
const (
	ReasonConnectionClosed = "connection closed"
	ReasonIdle             = "idle timeout or connection lost"
	ReasonServerShutdown   = "server shutdown"
	ReasonTerminated       = "terminated by administrator"
	ReasonHandshakeFailed  = "handshake failed"
	ReasonAuthFailed       = "authentication failed"
	ReasonProtocolError    = "protocol error"
	ReasonInternalError    = "internal error"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StateHandshaking ConnState = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Authenticator verifies credentials and second factors.
type Authenticator interface {
	Authenticate(ctx context.Context, username, secret, userDomain, clientIP string) (*identityservice.Result, error)
	ValidateTwoFactor(ctx context.Context, username, userDomain, code string) (bool, error)
}

// Sessions is the session registry as seen by a connection.
type Sessions interface {
	CreateSession(ctx context.Context, req session.Request) (*sessiondomain.Session, error)
	Activate(ctx context.Context, token string) error
	UpdateSession(ctx context.Context, s *sessiondomain.Session) error
	EndSession(ctx context.Context, token, reason string) (*sessiondomain.Session, error)
	LogActivity(ctx context.Context, token, activityType, details string) error
	ActiveCount() int
	MaxSessions() int
}

// EventLogger records security events.
type EventLogger interface {
	LogEvent(ctx context.Context, event auditdomain.SecurityEvent)
}

// disconnectCause carries a forced disconnect reason through context cancellation.
type disconnectCause struct{ reason string }

func (d disconnectCause) Error() string { return "disconnect: " + d.reason }

type handlerEnv struct {
	auth             Authenticator
	sessions         Sessions
	sampler          perf.Sampler
	events           EventLogger
	handshakeTimeout time.Duration
	monitorInterval  time.Duration
	defaultDomain    string
	nowF             func() time.Time
}

// Connection drives one accepted socket through
// handshaking, authenticating, active, closing and closed.
// Every exit path passes through closing.
type Connection struct {
	id          string
	conn        net.Conn
	r           *bufio.Reader
	clientIP    string
	env         *handlerEnv
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	stop   func() bool

	state         atomic.Int32
	lastActivity  atomic.Int64
	authenticated atomic.Bool
	unknownFrames atomic.Int64

	mu      sync.Mutex
	token   string
	session *sessiondomain.Session
	hello   Hello

	monitorWG sync.WaitGroup
}

func newConnection(parent context.Context, nc net.Conn, env *handlerEnv) *Connection {
	ctx, cancel := context.WithCancelCause(parent)
	now := env.nowF()
	c := &Connection{
		id:          uuid.New().String(),
		conn:        nc,
		r:           bufio.NewReader(nc),
		clientIP:    hostOf(nc.RemoteAddr()),
		env:         env,
		connectedAt: now,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	// Cancellation closes the socket so blocked reads return.
	c.stop = context.AfterFunc(ctx, func() { _ = nc.Close() })
	return c
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ID returns the process-local connection id.
func (c *Connection) ID() string { return c.id }

// ClientIP returns the remote address without port.
func (c *Connection) ClientIP() string { return c.clientIP }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// Authenticated reports whether credentials were accepted.
func (c *Connection) Authenticated() bool { return c.authenticated.Load() }

// LastActivity returns when the last frame was read.
func (c *Connection) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// Alive reports whether the connection has not started closing.
func (c *Connection) Alive() bool { return c.State() < StateClosing }

// SessionToken returns the token of the owned session, or empty.
func (c *Connection) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Session returns a copy of the working session record, or nil.
func (c *Connection) Session() *sessiondomain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Clone()
}

// Done is closed when Run has returned.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) setState(s ConnState) {
	prev := ConnState(c.state.Swap(int32(s)))
	if prev != s {
		log.Printf("rdp: connection %s %s -> %s", c.id, prev, s)
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(c.env.nowF().UnixNano())
}

// Disconnect forces the connection into closing with reason and waits for Run
// to finish. Safe from any goroutine and any number of times; the first reason wins.
// It must not be called from the connection's own goroutine.
func (c *Connection) Disconnect(reason string) {
	c.cancel(disconnectCause{reason: reason})
	<-c.done
}

// Run serves the connection until it closes. The socket is closed and any
// session ended before Run returns.
func (c *Connection) Run() {
	defer close(c.done)
	reason := c.serve()
	c.close(reason)
}

func (c *Connection) serve() (reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("rdp: connection %s panic: %v", c.id, r)
			c.logEvent(auditdomain.SecurityEvent{
				Type:     auditdomain.EventConnectionError,
				Severity: auditdomain.SeverityError,
				Details:  fmt.Sprintf("connection %s: unexpected error", c.id),
				ClientIP: c.clientIP,
			})
			reason = ReasonInternalError
		}
	}()

	c.setState(StateHandshaking)
	if err := c.handshake(); err != nil {
		if c.ctx.Err() == nil {
			log.Printf("rdp: connection %s handshake: %v", c.id, err)
			c.logEvent(auditdomain.SecurityEvent{
				Type:     auditdomain.EventHandshakeFailed,
				Severity: auditdomain.SeverityWarning,
				Details:  fmt.Sprintf("handshake failed: %v", err),
				ClientIP: c.clientIP,
			})
		}
		return ReasonHandshakeFailed
	}

	c.setState(StateAuthenticating)
	if err := c.authenticate(); err != nil {
		if c.ctx.Err() == nil {
			log.Printf("rdp: connection %s authentication: %v", c.id, err)
		}
		return ReasonAuthFailed
	}

	c.setState(StateActive)
	return c.active()
}

func (c *Connection) readFrame(timeout time.Duration) (Frame, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(c.env.nowF().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return ReadFrame(c.r)
}

func (c *Connection) write(f Frame) (int, error) {
	_ = c.conn.SetWriteDeadline(c.env.nowF().Add(c.env.handshakeTimeout))
	return WriteFrame(c.conn, f)
}

func (c *Connection) handshake() error {
	f, err := c.readFrame(c.env.handshakeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if f.Type != MsgHello {
		return fmt.Errorf("%w: %w %s", ErrHandshakeFailed, ErrUnexpectedMessage, f.Type)
	}
	c.touch()
	c.mu.Lock()
	c.hello = ParseHello(f.Payload)
	c.mu.Unlock()
	if _, err := c.write(Frame{Type: MsgServerReady, Payload: []byte(ServerReadyText)}); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return nil
}

func (c *Connection) reject(message string, cause error) error {
	_, _ = c.write(authFailedFrame(message))
	return fmt.Errorf("%w: %w", ErrAuthenticationFailed, cause)
}

func (c *Connection) authenticate() error {
	f, err := c.readFrame(c.env.handshakeTimeout)
	if err != nil {
		c.readError(err)
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	c.touch()
	if f.Type != MsgCredentials {
		err := fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, f.Type, MsgCredentials)
		c.protocolError(err)
		return c.reject("Expected credentials", err)
	}
	creds, err := ParseCredentials(f.Payload)
	if err != nil {
		c.protocolError(fmt.Errorf("credentials: %w", err))
		return c.reject("Invalid credentials format", err)
	}
	if creds.Domain == "" {
		creds.Domain = c.env.defaultDomain
	}

	res, err := c.env.auth.Authenticate(c.ctx, creds.Username, creds.Secret, creds.Domain, c.clientIP)
	if err != nil || res == nil || !res.Success {
		msg := "Authentication failed"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		if err == nil {
			err = errors.New(msg)
		}
		return c.reject(msg, err)
	}

	if res.RequiresTwoFactor {
		if _, err := c.write(Frame{Type: MsgTwoFactorRequired, Payload: []byte(res.TwoFactorMethod)}); err != nil {
			return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		f, err := c.readFrame(c.env.handshakeTimeout)
		if err != nil {
			c.readError(err)
			return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		c.touch()
		if f.Type != MsgTwoFactorCode {
			err := fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, f.Type, MsgTwoFactorCode)
			c.protocolError(err)
			return c.reject("Expected two-factor code", err)
		}
		ok, err := c.env.auth.ValidateTwoFactor(c.ctx, res.Username, res.Domain, string(f.Payload))
		if err != nil || !ok {
			if err == nil {
				err = errors.New("invalid two-factor code")
			}
			return c.reject("Invalid two-factor code", err)
		}
	}
	c.authenticated.Store(true)

	c.mu.Lock()
	hello := c.hello
	c.mu.Unlock()
	kind := hello.Kind
	if (kind == sessiondomain.KindAdmin || kind == sessiondomain.KindConsole) && !res.IsAdmin {
		log.Printf("rdp: connection %s: %s session not permitted for %s, using %s", c.id, kind, res.Username, sessiondomain.KindDesktop)
		kind = sessiondomain.KindDesktop
	}
	s, err := c.env.sessions.CreateSession(c.ctx, session.Request{
		Username:   res.Username,
		Domain:     res.Domain,
		ClientAddr: c.clientIP,
		Kind:       kind,
		Display:    hello.Display,
	})
	if err != nil {
		return c.reject(session.DenialReason(err), err)
	}
	c.mu.Lock()
	c.token = s.Token
	c.session = s
	c.mu.Unlock()

	if err := c.env.sessions.Activate(c.ctx, s.Token); err != nil {
		return c.reject("Session could not be activated", err)
	}
	c.mu.Lock()
	c.session.State = sessiondomain.StateConnected
	c.mu.Unlock()
	if _, err := c.write(Frame{Type: MsgAuthSuccess, Payload: []byte(s.Token)}); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return nil
}

func (c *Connection) active() string {
	monitorCtx, stopMonitor := context.WithCancel(c.ctx)
	defer func() {
		stopMonitor()
		c.monitorWG.Wait()
	}()
	c.monitorWG.Add(1)
	go func() {
		defer c.monitorWG.Done()
		c.monitor(monitorCtx)
	}()

	for {
		f, err := c.readFrame(0)
		if err != nil {
			if c.readError(err) {
				return ReasonProtocolError
			}
			return ReasonConnectionClosed
		}
		c.handleFrame(f)
	}
}

func isFrameError(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, io.ErrUnexpectedEOF)
}

// readError records a failed read that was not a clean close or a forced
// disconnect, and reports whether it was a framing violation.
func (c *Connection) readError(err error) bool {
	if c.ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return false
	}
	if isFrameError(err) {
		c.protocolError(err)
		return true
	}
	log.Printf("rdp: connection %s read: %v", c.id, err)
	username, token := c.owner()
	c.logEvent(auditdomain.SecurityEvent{
		Type:         auditdomain.EventConnectionError,
		Severity:     auditdomain.SeverityWarning,
		Details:      fmt.Sprintf("connection %s read failed in state %s: %v", c.id, c.State(), err),
		Username:     username,
		SessionToken: token,
		ClientIP:     c.clientIP,
	})
	return false
}

// protocolError records a malformed or out-of-order frame.
func (c *Connection) protocolError(err error) {
	log.Printf("rdp: connection %s protocol error: %v", c.id, err)
	username, token := c.owner()
	c.logEvent(auditdomain.SecurityEvent{
		Type:         auditdomain.EventProtocolError,
		Severity:     auditdomain.SeverityWarning,
		Details:      fmt.Sprintf("connection %s in state %s: %v", c.id, c.State(), err),
		Username:     username,
		SessionToken: token,
		ClientIP:     c.clientIP,
	})
}

// owner returns the username and token of the owned session, if any.
func (c *Connection) owner() (username, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", ""
	}
	return c.session.Username, c.token
}

func (c *Connection) handleFrame(f Frame) {
	now := c.env.nowF()
	c.touch()
	var sent int
	switch f.Type {
	case MsgDesktopRequest:
		start := time.Now()
		n, err := c.write(Frame{Type: MsgDesktopFrame, Payload: desktopFramePlaceholder})
		if err != nil {
			log.Printf("rdp: connection %s write frame: %v", c.id, err)
		}
		sent = n
		c.recordLatency(time.Since(start))
	case MsgInput:
		c.logActivity(sessiondomain.ActivityInput, string(f.Payload))
	case MsgAppLaunch:
		c.logActivity(sessiondomain.ActivityAppLaunch, string(f.Payload))
	default:
		c.unknownFrames.Add(1)
		log.Printf("rdp: connection %s unknown message %s", c.id, f.Type)
	}

	c.mu.Lock()
	c.session.BytesReceived += int64(f.Size())
	c.session.BytesSent += int64(sent)
	if now.After(c.session.LastActivity) {
		c.session.LastActivity = now
	}
	snap := c.session.Clone()
	c.mu.Unlock()
	c.flush(snap)
}

// recordLatency folds d into an exponential moving average.
func (c *Connection) recordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.AverageLatencyMs == 0 {
		c.session.AverageLatencyMs = ms
		return
	}
	c.session.AverageLatencyMs = 0.8*c.session.AverageLatencyMs + 0.2*ms
}

func (c *Connection) logActivity(activityType, details string) {
	token := c.SessionToken()
	if err := c.env.sessions.LogActivity(c.ctx, token, activityType, details); err != nil {
		log.Printf("rdp: connection %s activity %s: %v", c.id, activityType, err)
	}
}

func (c *Connection) flush(snap *sessiondomain.Session) {
	err := c.env.sessions.UpdateSession(c.ctx, snap)
	if errors.Is(err, session.ErrSessionNotFound) {
		log.Printf("rdp: connection %s: session %s no longer live", c.id, snap.Token)
		return
	}
	if err != nil {
		log.Printf("rdp: connection %s update session: %v", c.id, err)
	}
}

func (c *Connection) monitor(ctx context.Context) {
	if c.env.sampler == nil || c.env.monitorInterval <= 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("rdp: connection %s monitor panic: %v", c.id, r)
			c.logEvent(auditdomain.SecurityEvent{
				Type:     auditdomain.EventConnectionError,
				Severity: auditdomain.SeverityError,
				Details:  fmt.Sprintf("connection %s: session monitor failed", c.id),
				ClientIP: c.clientIP,
			})
			// Disconnect would wait on this goroutine.
			c.cancel(disconnectCause{reason: ReasonInternalError})
		}
	}()
	t := time.NewTicker(c.env.monitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		token := c.SessionToken()
		sample, err := c.env.sampler.Session(ctx, token)
		if err != nil {
			log.Printf("rdp: connection %s sample: %v", c.id, err)
			continue
		}
		c.mu.Lock()
		c.session.CPUUsage = sample.CPUPercent
		c.session.MemoryUsageMB = sample.MemoryMB
		snap := c.session.Clone()
		c.mu.Unlock()
		c.flush(snap)
	}
}

// closeReason prefers a forced disconnect reason over the one serve returned.
// A parent context cancelled without a reason means the server is going away.
func (c *Connection) closeReason(fallback string) string {
	cause := context.Cause(c.ctx)
	var dc disconnectCause
	switch {
	case errors.As(cause, &dc):
		return dc.reason
	case errors.Is(cause, ErrServerShutdown), errors.Is(cause, context.Canceled):
		return ReasonServerShutdown
	}
	if fallback == "" {
		return ReasonConnectionClosed
	}
	return fallback
}

func (c *Connection) close(served string) {
	c.setState(StateClosing)
	reason := c.closeReason(served)

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		// The connection context is usually cancelled by now.
		ctx := context.WithoutCancel(c.ctx)
		if _, err := c.env.sessions.EndSession(ctx, token, reason); err != nil {
			log.Printf("rdp: connection %s end session %s: %v", c.id, token, err)
		}
		c.mu.Lock()
		c.session.State = sessiondomain.StateDisconnected
		c.session.DisconnectReason = reason
		c.mu.Unlock()
	}

	c.stop()
	_ = c.conn.Close()
	c.cancel(disconnectCause{reason: reason})
	c.setState(StateClosed)
	log.Printf("rdp: connection %s from %s closed: %s", c.id, c.clientIP, reason)
}

func (c *Connection) logEvent(event auditdomain.SecurityEvent) {
	if c.env.events != nil {
		c.env.events.LogEvent(context.WithoutCancel(c.ctx), event)
	}
}
