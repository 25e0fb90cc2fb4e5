// Package rdp accepts remote desktop clients and drives each connection from
// handshake through teardown.
package rdp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	auditdomain "remote-desktop-server/internal/audit/domain"
	"remote-desktop-server/internal/blocklist"
	"remote-desktop-server/internal/perf"
	"remote-desktop-server/internal/session"
)

var (
	ErrBind                 = errors.New("rdp: bind failed")
	ErrServerShutdown       = errors.New("rdp: server shutdown")
	ErrHandshakeFailed      = errors.New("rdp: handshake failed")
	ErrAuthenticationFailed = errors.New("rdp: authentication failed")
	ErrAlreadyStarted       = errors.New("rdp: server already started")
)

const (
	acceptInitialBackoff = 50 * time.Millisecond
	acceptMaxBackoff     = time.Second
)

// ServerConfig holds listener, limit and loop settings.
type ServerConfig struct {
	BindAddress string
	Port        int
	ServerName  string
	Version     string

	// MaxConnections caps live sockets; zero uses the session ceiling.
	MaxConnections int
	MaxIdle        time.Duration

	HealthInterval   time.Duration
	IdleScanInterval time.Duration
	MonitorInterval  time.Duration
	HandshakeTimeout time.Duration

	CPUCriticalPercent    float64
	MemoryCriticalPercent float64
	DefaultDomain         string
}

// Metrics receives connection and host measurements.
type Metrics interface {
	ConnectionOpened(ctx context.Context)
	ConnectionClosed(ctx context.Context)
	ConnectionRejected(ctx context.Context, reason string)
	HostSample(ctx context.Context, cpuPercent, memoryPercent float64)
}

// Deps are the collaborators of a Server. Blocklist, Events and Metrics may be nil.
type Deps struct {
	Auth      Authenticator
	Sessions  Sessions
	Sampler   perf.Sampler
	Blocklist blocklist.Store
	Events    EventLogger
	Metrics   Metrics
}

// Status is a point-in-time view of the server.
type Status struct {
	IsRunning         bool
	Port              int
	ActiveConnections int
	ActiveSessions    int
	MaxSessions       int
	CPUUsage          float64
	MemoryUsage       float64
	StartTime         time.Time
	Version           string
}

// ConnectionInfo describes one live connection.
type ConnectionInfo struct {
	ID            string
	ClientIP      string
	State         ConnState
	Authenticated bool
	SessionToken  string
	Username      string
	ConnectedAt   time.Time
	LastActivity  time.Time
	UnknownFrames int64
}

// Server owns the listening socket and the set of live connections.
type Server struct {
	cfg  ServerConfig
	deps Deps
	env  *handlerEnv
	nowF func() time.Time

	ln        net.Listener
	ctx       context.Context
	cancel    context.CancelCauseFunc
	group     *errgroup.Group
	connWG    sync.WaitGroup
	startTime time.Time
	running   atomic.Bool
	started   atomic.Bool
	stopOnce  sync.Once

	mu       sync.Mutex
	conns    map[string]*Connection
	stopping bool

	lastSample atomic.Pointer[perf.HostSample]
}

// NewServer returns a Server with defaults applied to zero config values.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	if cfg.MaxConnections <= 0 && deps.Sessions != nil {
		cfg.MaxConnections = deps.Sessions.MaxSessions()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 50
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 30 * time.Minute
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.IdleScanInterval <= 0 {
		cfg.IdleScanInterval = 5 * time.Minute
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.CPUCriticalPercent <= 0 {
		cfg.CPUCriticalPercent = 95
	}
	if cfg.MemoryCriticalPercent <= 0 {
		cfg.MemoryCriticalPercent = 95
	}
	if cfg.DefaultDomain == "" {
		cfg.DefaultDomain = "LOCAL"
	}
	s := &Server{
		cfg:   cfg,
		deps:  deps,
		nowF:  func() time.Time { return time.Now().UTC() },
		conns: make(map[string]*Connection),
	}
	s.env = &handlerEnv{
		auth:             deps.Auth,
		sessions:         deps.Sessions,
		sampler:          deps.Sampler,
		events:           deps.Events,
		handshakeTimeout: cfg.HandshakeTimeout,
		monitorInterval:  cfg.MonitorInterval,
		defaultDomain:    cfg.DefaultDomain,
		nowF:             func() time.Time { return s.nowF() },
	}
	return s
}

// Start binds the listener and starts the accept, health and reaper loops.
// A bind failure wraps ErrBind. Only ctx's values are kept: the server runs
// until Stop, which disconnects every connection with "server shutdown".
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancelCause(context.WithoutCancel(ctx))
	s.startTime = s.nowF()
	s.running.Store(true)

	s.group = &errgroup.Group{}
	s.group.Go(s.acceptLoop)
	s.group.Go(s.healthLoop)
	s.group.Go(s.reaperLoop)

	log.Printf("rdp: listening on %s (max connections %d)", ln.Addr(), s.cfg.MaxConnections)
	s.logEvent(auditdomain.SecurityEvent{
		Type:    auditdomain.EventServerStarted,
		Details: fmt.Sprintf("server listening on %s", ln.Addr()),
		Success: true,
	})
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(acceptInitialBackoff),
		backoff.WithMaxInterval(acceptMaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return nil
			}
			d := b.NextBackOff()
			log.Printf("rdp: accept: %v (retrying in %s)", err, d)
			select {
			case <-s.ctx.Done():
				return nil
			case <-time.After(d):
			}
			continue
		}
		b.Reset()
		s.admit(nc)
	}
}

// admit applies the blocklist and the connection ceiling, then runs a handler.
func (s *Server) admit(nc net.Conn) {
	ip := hostOf(nc.RemoteAddr())
	if s.deps.Blocklist != nil {
		blocked, err := s.deps.Blocklist.IsBlocked(s.ctx, ip)
		if err != nil {
			log.Printf("rdp: blocklist lookup for %s: %v", ip, err)
		}
		if blocked {
			_ = nc.Close()
			s.rejected(ip, "blocked", auditdomain.EventConnectionBlocked, fmt.Sprintf("connection from blocked address %s refused", ip))
			return
		}
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	if len(s.conns) >= s.cfg.MaxConnections {
		n := len(s.conns)
		s.mu.Unlock()
		_ = nc.Close()
		s.rejected(ip, "capacity", auditdomain.EventConnectionRejected, fmt.Sprintf("connection from %s rejected: %d live connections", ip, n))
		return
	}
	c := newConnection(s.ctx, nc, s.env)
	s.conns[c.id] = c
	s.connWG.Add(1)
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.ConnectionOpened(s.ctx)
	}
	s.logEvent(auditdomain.SecurityEvent{
		Type:     auditdomain.EventConnectionAccepted,
		Details:  fmt.Sprintf("connection %s accepted", c.id),
		ClientIP: ip,
		Success:  true,
	})
	go func() {
		defer s.connWG.Done()
		c.Run()
		s.remove(c.id)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ConnectionClosed(context.WithoutCancel(s.ctx))
		}
	}()
}

func (s *Server) rejected(ip, reason, eventType, details string) {
	log.Printf("rdp: %s", details)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ConnectionRejected(s.ctx, reason)
	}
	s.logEvent(auditdomain.SecurityEvent{
		Type:     eventType,
		Severity: auditdomain.SeverityWarning,
		Details:  details,
		ClientIP: ip,
	})
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) healthLoop() error {
	if s.deps.Sampler == nil {
		return nil
	}
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	for {
		s.sampleHealth()
		select {
		case <-s.ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (s *Server) sampleHealth() {
	sample, err := s.deps.Sampler.Current(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Printf("rdp: health sample: %v", err)
		}
		return
	}
	if s.deps.Sessions != nil {
		sample.ActiveSessions = s.deps.Sessions.ActiveCount()
	}
	s.lastSample.Store(&sample)
	if s.deps.Metrics != nil {
		s.deps.Metrics.HostSample(s.ctx, sample.CPUPercent, sample.MemoryPercent)
	}
	log.Printf("rdp: health cpu=%.1f%% memory=%.1f%% sessions=%d connections=%d",
		sample.CPUPercent, sample.MemoryPercent, sample.ActiveSessions, s.connectionCount())

	if sample.CPUPercent > s.cfg.CPUCriticalPercent {
		s.logEvent(auditdomain.SecurityEvent{
			Type:     auditdomain.EventHighCPUUsage,
			Severity: auditdomain.SeverityWarning,
			Details:  fmt.Sprintf("CPU usage %.1f%% above %.1f%%", sample.CPUPercent, s.cfg.CPUCriticalPercent),
		})
	}
	if sample.MemoryPercent > s.cfg.MemoryCriticalPercent {
		s.logEvent(auditdomain.SecurityEvent{
			Type:     auditdomain.EventHighMemoryUsage,
			Severity: auditdomain.SeverityWarning,
			Details:  fmt.Sprintf("memory usage %.1f%% above %.1f%%", sample.MemoryPercent, s.cfg.MemoryCriticalPercent),
		})
	}
}

func (s *Server) reaperLoop() error {
	t := time.NewTicker(s.cfg.IdleScanInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-t.C:
			s.ReapIdle(s.ctx)
		}
	}
}

// ReapIdle disconnects every connection idle longer than MaxIdle or no longer
// alive, removes it from the live set, and returns how many were reaped.
func (s *Server) ReapIdle(ctx context.Context) int {
	now := s.nowF()
	var idle []*Connection
	s.mu.Lock()
	for id, c := range s.conns {
		if now.Sub(c.LastActivity()) > s.cfg.MaxIdle || !c.Alive() {
			idle = append(idle, c)
			delete(s.conns, id)
		}
	}
	s.mu.Unlock()
	if len(idle) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for _, c := range idle {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			username, token := c.owner()
			last := c.LastActivity()
			c.Disconnect(ReasonIdle)
			s.logEvent(auditdomain.SecurityEvent{
				Type:         auditdomain.EventIdleDisconnect,
				Severity:     auditdomain.SeverityWarning,
				Details:      fmt.Sprintf("connection %s disconnected, last activity %s", c.id, last.Format(time.RFC3339)),
				Username:     username,
				SessionToken: token,
				ClientIP:     c.clientIP,
			})
		}(c)
	}
	wg.Wait()
	log.Printf("rdp: reaped %d idle connections", len(idle))
	return len(idle)
}

// Stop closes the listener, disconnects every live connection concurrently
// with reason "server shutdown" and waits for all handlers and loops. It is
// idempotent and a no-op before Start. If ctx expires first,
// ctx.Err() is returned and teardown continues in the background.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		live := make([]*Connection, 0, len(s.conns))
		for _, c := range s.conns {
			live = append(live, c)
		}
		s.mu.Unlock()

		s.running.Store(false)
		log.Printf("rdp: stopping, disconnecting %d connections", len(live))
		s.logEvent(auditdomain.SecurityEvent{
			Type:     auditdomain.EventServerStopping,
			Severity: auditdomain.SeverityWarning,
			Details:  fmt.Sprintf("server stopping with %d live connections", len(live)),
		})
		_ = s.ln.Close()

		var disconnects sync.WaitGroup
		for _, c := range live {
			disconnects.Add(1)
			go func(c *Connection) {
				defer disconnects.Done()
				c.Disconnect(ReasonServerShutdown)
			}(c)
		}
		s.cancel(ErrServerShutdown)

		done := make(chan struct{})
		go func() {
			disconnects.Wait()
			s.connWG.Wait()
			_ = s.group.Wait()
			close(done)
		}()
		select {
		case <-done:
			log.Printf("rdp: stopped")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Running reports whether the listener is accepting connections.
func (s *Server) Running() bool { return s.running.Load() }

// Status reports the running state, counts and last host sample.
func (s *Server) Status(ctx context.Context) Status {
	st := Status{
		IsRunning:         s.running.Load(),
		Port:              s.cfg.Port,
		ActiveConnections: s.connectionCount(),
		StartTime:         s.startTime,
		Version:           s.cfg.Version,
	}
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		st.Port = tcp.Port
	}
	if s.deps.Sessions != nil {
		st.ActiveSessions = s.deps.Sessions.ActiveCount()
		st.MaxSessions = s.deps.Sessions.MaxSessions()
	}
	if sample := s.lastSample.Load(); sample != nil {
		st.CPUUsage = sample.CPUPercent
		st.MemoryUsage = sample.MemoryPercent
	}
	return st
}

func (s *Server) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Connections returns a snapshot of the live set.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	live := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(live))
	for _, c := range live {
		info := ConnectionInfo{
			ID:            c.id,
			ClientIP:      c.clientIP,
			State:         c.State(),
			Authenticated: c.Authenticated(),
			ConnectedAt:   c.connectedAt,
			LastActivity:  c.LastActivity(),
			UnknownFrames: c.unknownFrames.Load(),
		}
		if sess := c.Session(); sess != nil {
			info.SessionToken = sess.Token
			info.Username = sess.Username
		}
		out = append(out, info)
	}
	return out
}

// TerminateSession disconnects the connection owning token through the normal
// closing path. A session with no live connection is ended directly.
// Returns session.ErrSessionNotFound when neither exists.
func (s *Server) TerminateSession(ctx context.Context, token string) error {
	if token == "" {
		return session.ErrSessionNotFound
	}
	var owner *Connection
	s.mu.Lock()
	for _, c := range s.conns {
		if c.SessionToken() == token {
			owner = c
			break
		}
	}
	s.mu.Unlock()

	if owner != nil {
		owner.Disconnect(ReasonTerminated)
	} else {
		if s.deps.Sessions == nil {
			return session.ErrSessionNotFound
		}
		ended, err := s.deps.Sessions.EndSession(ctx, token, ReasonTerminated)
		if err != nil {
			return err
		}
		if ended == nil {
			return session.ErrSessionNotFound
		}
	}
	s.logEvent(auditdomain.SecurityEvent{
		Type:         auditdomain.EventSessionTerminated,
		Severity:     auditdomain.SeverityWarning,
		Details:      fmt.Sprintf("session %s terminated by administrator", token),
		SessionToken: token,
		Success:      true,
	})
	return nil
}

func (s *Server) logEvent(event auditdomain.SecurityEvent) {
	if s.deps.Events == nil {
		return
	}
	ctx := context.Background()
	if s.ctx != nil {
		ctx = context.WithoutCancel(s.ctx)
	}
	s.deps.Events.LogEvent(ctx, event)
}
