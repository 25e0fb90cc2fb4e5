// Package session owns admission and lifecycle of remote desktop sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	auditdomain "remote-desktop-server/internal/audit/domain"
	"remote-desktop-server/internal/session/domain"
	"remote-desktop-server/internal/session/repository"
	userdomain "remote-desktop-server/internal/user/domain"
)

// ErrAdmissionDenied is wrapped by every admission failure.
var ErrAdmissionDenied = errors.New("admission denied")

var (
	ErrUserUnavailable     = fmt.Errorf("%w: user not found or inactive", ErrAdmissionDenied)
	ErrUserQuotaExceeded   = fmt.Errorf("%w: user has reached maximum concurrent sessions limit", ErrAdmissionDenied)
	ErrServerQuotaExceeded = fmt.Errorf("%w: server has reached maximum concurrent sessions limit", ErrAdmissionDenied)
	ErrSessionNotFound     = errors.New("session not found")
)

const persistTimeout = 5 * time.Second

// DenialReason returns the short client-facing text for an admission error.
func DenialReason(err error) string {
	switch {
	case errors.Is(err, ErrUserUnavailable):
		return "User not found or inactive"
	case errors.Is(err, ErrUserQuotaExceeded):
		return "Maximum concurrent sessions reached for user"
	case errors.Is(err, ErrServerQuotaExceeded):
		return "Server has reached maximum concurrent sessions"
	}
	return "Session could not be created"
}

// ReasonSessionTimeout is the disconnect reason used by CleanupExpiredSessions.
const ReasonSessionTimeout = "session timeout"

// UserLookup resolves the account a session is requested for.
type UserLookup interface {
	GetByUsernameAndDomain(ctx context.Context, username, userDomain string) (*userdomain.User, error)
}

// EventLogger records security events.
type EventLogger interface {
	LogEvent(ctx context.Context, event auditdomain.SecurityEvent)
}

// Observer is notified after a session enters or leaves the live set.
// Calls are made without the registry lock held and receive a private copy.
type Observer interface {
	SessionCreated(ctx context.Context, s *domain.Session)
	SessionEnded(ctx context.Context, s *domain.Session)
}

// Request describes a session to admit.
type Request struct {
	Username   string
	Domain     string
	ClientAddr string
	Kind       domain.Kind
	Display    domain.Display
}

// Options holds registry limits.
type Options struct {
	MaxSessions    int
	SessionTimeout time.Duration
}

// Registry is the authoritative table of live sessions. Admission checks and
// inserts run under one mutex so concurrent requests cannot overshoot a quota.
// Persistence is best-effort and never decides admission.
type Registry struct {
	users     UserLookup
	repo      repository.Repository
	events    EventLogger
	observers []Observer
	opts      Options
	nowF      func() time.Time

	mu     sync.RWMutex
	live   map[string]*domain.Session
	byUser map[string]int
}

// NewRegistry returns a Registry. repo and events may be nil.
func NewRegistry(users UserLookup, repo repository.Repository, events EventLogger, opts Options, observers ...Observer) *Registry {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 50
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 480 * time.Minute
	}
	return &Registry{
		users:     users,
		repo:      repo,
		events:    events,
		observers: observers,
		opts:      opts,
		nowF:      func() time.Time { return time.Now().UTC() },
		live:      make(map[string]*domain.Session),
		byUser:    make(map[string]int),
	}
}

func userKey(username, userDomain string) string {
	return strings.ToLower(userDomain) + "\\" + strings.ToLower(username)
}

// MaxSessions returns the global session ceiling.
func (r *Registry) MaxSessions() int { return r.opts.MaxSessions }

// CreateSession admits a new session in state connecting. Failures wrap ErrAdmissionDenied
// unless the user store itself fails.
func (r *Registry) CreateSession(ctx context.Context, req Request) (*domain.Session, error) {
	user, err := r.users.GetByUsernameAndDomain(ctx, req.Username, req.Domain)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	now := r.nowF()
	if user == nil || !user.IsActive || user.IsCurrentlyLocked(now) || user.IsAccountExpired(now) {
		r.denied(ctx, req, ErrUserUnavailable)
		return nil, ErrUserUnavailable
	}
	if req.Kind == "" {
		req.Kind = domain.KindDesktop
	}
	if req.Display == (domain.Display{}) {
		req.Display = domain.DefaultDisplay
	}

	s := &domain.Session{
		Token:        uuid.New().String(),
		Username:     user.Username,
		Domain:       user.Domain,
		ClientAddr:   req.ClientAddr,
		Kind:         req.Kind,
		Display:      req.Display,
		State:        domain.StateConnecting,
		StartTime:    now,
		LastActivity: now,
	}
	key := userKey(s.Username, s.Domain)

	r.mu.Lock()
	switch {
	case r.byUser[key] >= user.SessionLimit():
		err = ErrUserQuotaExceeded
	case len(r.live) >= r.opts.MaxSessions:
		err = ErrServerQuotaExceeded
	default:
		r.live[s.Token] = s
		r.byUser[key]++
	}
	created := s.Clone()
	r.mu.Unlock()

	if err != nil {
		r.denied(ctx, req, err)
		return nil, err
	}

	r.persist(ctx, "create", func(ctx context.Context) error { return r.repo.Create(ctx, created) })
	log.Printf("session: %s created for %s from %s", created.Token, created.Username, created.ClientAddr)
	r.logEvent(ctx, auditdomain.SecurityEvent{
		Type:         auditdomain.EventSessionCreated,
		Details:      fmt.Sprintf("session %s created for user %s", created.Token, created.Username),
		Username:     created.Username,
		SessionToken: created.Token,
		ClientIP:     created.ClientAddr,
		Success:      true,
	})
	for _, o := range r.observers {
		o.SessionCreated(ctx, created.Clone())
	}
	return created, nil
}

// Activate moves a session from connecting to connected.
func (r *Registry) Activate(ctx context.Context, token string) error {
	r.mu.Lock()
	s, ok := r.live[token]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	s.State = domain.StateConnected
	s.LastActivity = advance(s.LastActivity, r.nowF())
	snap := s.Clone()
	r.mu.Unlock()

	r.persist(ctx, "activate", func(ctx context.Context) error { return r.repo.Update(ctx, snap) })
	return nil
}

// UpdateSession copies counters and performance fields from update into the live record.
// LastActivity only moves forward; a zero value means now.
func (r *Registry) UpdateSession(ctx context.Context, update *domain.Session) error {
	if update == nil {
		return ErrSessionNotFound
	}
	at := update.LastActivity
	if at.IsZero() {
		at = r.nowF()
	}

	r.mu.Lock()
	s, ok := r.live[update.Token]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	s.BytesSent = update.BytesSent
	s.BytesReceived = update.BytesReceived
	s.AverageLatencyMs = update.AverageLatencyMs
	s.CPUUsage = update.CPUUsage
	s.MemoryUsageMB = update.MemoryUsageMB
	s.LastActivity = advance(s.LastActivity, at)
	snap := s.Clone()
	r.mu.Unlock()

	r.persist(ctx, "update", func(ctx context.Context) error { return r.repo.Update(ctx, snap) })
	return nil
}

// EndSession moves the session to disconnected and removes it from the live set.
// Unknown or already ended tokens are a no-op returning (nil, nil).
func (r *Registry) EndSession(ctx context.Context, token, reason string) (*domain.Session, error) {
	now := r.nowF()

	r.mu.Lock()
	s, ok := r.live[token]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	delete(r.live, token)
	key := userKey(s.Username, s.Domain)
	if r.byUser[key] <= 1 {
		delete(r.byUser, key)
	} else {
		r.byUser[key]--
	}
	s.State = domain.StateDisconnected
	s.EndTime = &now
	s.DisconnectReason = reason
	ended := s.Clone()
	r.mu.Unlock()

	r.persist(ctx, "end", func(ctx context.Context) error { return r.repo.Update(ctx, ended) })
	log.Printf("session: %s ended for %s: %s", ended.Token, ended.Username, reason)
	r.logEvent(ctx, auditdomain.SecurityEvent{
		Type:         auditdomain.EventSessionEnded,
		Details:      fmt.Sprintf("session %s ended: %s", ended.Token, reason),
		Username:     ended.Username,
		SessionToken: ended.Token,
		ClientIP:     ended.ClientAddr,
		Success:      true,
	})
	for _, o := range r.observers {
		o.SessionEnded(ctx, ended.Clone())
	}
	return ended, nil
}

// LogActivity appends an activity record and touches LastActivity.
func (r *Registry) LogActivity(ctx context.Context, token, activityType, details string) error {
	now := r.nowF()
	r.mu.Lock()
	s, ok := r.live[token]
	if ok {
		s.LastActivity = advance(s.LastActivity, now)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	a := &domain.Activity{
		ID:           uuid.New().String(),
		SessionToken: token,
		Type:         activityType,
		Details:      details,
		CreatedAt:    now,
	}
	r.persist(ctx, "activity", func(ctx context.Context) error { return r.repo.CreateActivity(ctx, a) })
	return nil
}

// GetSession returns a copy of the live session, or nil.
func (r *Registry) GetSession(token string) *domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.live[token]; ok {
		return s.Clone()
	}
	return nil
}

// GetActiveSessions returns copies of all live sessions ordered by start time.
func (r *Registry) GetActiveSessions() []*domain.Session {
	return r.snapshot(func(*domain.Session) bool { return true })
}

// GetUserSessions returns copies of the live sessions owned by username in any domain.
func (r *Registry) GetUserSessions(username string) []*domain.Session {
	return r.snapshot(func(s *domain.Session) bool { return strings.EqualFold(s.Username, username) })
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// CleanupExpiredSessions ends connected sessions idle longer than the session
// timeout and returns how many were ended.
func (r *Registry) CleanupExpiredSessions(ctx context.Context) int {
	cutoff := r.nowF().Add(-r.opts.SessionTimeout)
	var expired []string
	r.mu.RLock()
	for token, s := range r.live {
		if s.State == domain.StateConnected && s.LastActivity.Before(cutoff) {
			expired = append(expired, token)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, token := range expired {
		if s, _ := r.EndSession(ctx, token, ReasonSessionTimeout); s != nil {
			n++
		}
	}
	if n > 0 {
		log.Printf("session: cleaned up %d expired sessions", n)
	}
	return n
}

func (r *Registry) snapshot(keep func(*domain.Session) bool) []*domain.Session {
	r.mu.RLock()
	out := make([]*domain.Session, 0, len(r.live))
	for _, s := range r.live {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func advance(cur, next time.Time) time.Time {
	if next.After(cur) {
		return next
	}
	return cur
}

func (r *Registry) persist(ctx context.Context, op string, fn func(context.Context) error) {
	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("session: persist %s: %v", op, err)
	}
}

func (r *Registry) denied(ctx context.Context, req Request, err error) {
	r.logEvent(ctx, auditdomain.SecurityEvent{
		Type:     auditdomain.EventAdmissionDenied,
		Severity: auditdomain.SeverityWarning,
		Details:  fmt.Sprintf("session for %s denied: %v", req.Username, err),
		Username: req.Username,
		ClientIP: req.ClientAddr,
	})
}

func (r *Registry) logEvent(ctx context.Context, event auditdomain.SecurityEvent) {
	if r.events != nil {
		r.events.LogEvent(ctx, event)
	}
}
