package router

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"payroll/pii"
	"payroll/requestctx"
	"payroll/tenant"
)

type session struct {
	db        tenant.Database
	createdAt time.Time
	lastSeen  atomic.Int64
}

func newSession(db tenant.Database, now time.Time) *session {
	s := &session{db: db, createdAt: now.UTC()}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *session) seen() time.Time {
	return time.Unix(0, s.lastSeen.Load()).UTC()
}

// SessionInfo describes one live session binding.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	Tenant    string    `json:"tenant"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// ResolveTenant binds the session carried by ctx to the named tenant.
func (r *Router) ResolveTenant(ctx context.Context, nameOrAlias string) (tenant.Database, error) {
	sessionID, ok := requestctx.SessionID(ctx)
	if !ok {
		return tenant.Database{}, ErrNoSession
	}
	return r.ResolveTenantFor(sessionID, nameOrAlias)
}

// ResolveTenantFor binds sessionID to the named tenant, replacing any previous
// binding. An unknown name leaves the existing binding untouched.
func (r *Router) ResolveTenantFor(sessionID, nameOrAlias string) (tenant.Database, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return tenant.Database{}, ErrNoSession
	}
	db, ok := r.catalog.Lookup(nameOrAlias)
	if !ok {
		return tenant.Database{}, UnknownTenantError{Name: nameOrAlias}
	}

	if _, loaded := r.sessions.Swap(sessionID, newSession(db, r.clock.Now())); !loaded {
		r.metrics.SetSessions(int(r.sessionCount.Add(1)))
	}
	r.logger.Info("session_bound",
		zap.String("tenant", db.ID),
		zap.String("actor_hash", pii.Hash(sessionID)),
	)
	return db, nil
}

// CurrentTenant reports the tenant routed calls made with ctx would use. It does
// not refresh the session's idle timer.
func (r *Router) CurrentTenant(ctx context.Context) (tenant.Database, error) {
	if db, ok := requestctx.TenantFrom(ctx); ok {
		return db, nil
	}
	sessionID, ok := requestctx.SessionID(ctx)
	if !ok {
		return tenant.Database{}, ErrNoTenantSelected
	}
	return r.CurrentTenantFor(sessionID)
}

// CurrentTenantFor reports the tenant bound to sessionID.
func (r *Router) CurrentTenantFor(sessionID string) (tenant.Database, error) {
	value, ok := r.sessions.Load(strings.TrimSpace(sessionID))
	if !ok {
		return tenant.Database{}, ErrNoTenantSelected
	}
	return value.(*session).db, nil
}

// ClearSession drops the binding of the session carried by ctx. It reports
// whether a binding existed; clearing twice is harmless.
func (r *Router) ClearSession(ctx context.Context) bool {
	sessionID, ok := requestctx.SessionID(ctx)
	if !ok {
		return false
	}
	return r.ClearSessionFor(sessionID)
}

// ClearSessionFor drops the binding of sessionID.
func (r *Router) ClearSessionFor(sessionID string) bool {
	if _, loaded := r.sessions.LoadAndDelete(strings.TrimSpace(sessionID)); !loaded {
		return false
	}
	r.metrics.SetSessions(int(r.sessionCount.Add(-1)))
	return true
}

// Sessions lists live bindings ordered by session id.
func (r *Router) Sessions() []SessionInfo {
	var out []SessionInfo
	r.sessions.Range(func(key, value any) bool {
		s := value.(*session)
		out = append(out, SessionInfo{
			SessionID: key.(string),
			Tenant:    s.db.ID,
			CreatedAt: s.createdAt,
			LastSeen:  s.seen(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SweepIdle removes sessions unused for longer than SessionIdleTimeout and
// returns how many were removed. A session rebound while the sweep runs is
// kept.
func (r *Router) SweepIdle() int {
	cutoff := r.clock.Now().Add(-r.cfg.SessionIdleTimeout).UnixNano()
	removed := 0
	r.sessions.Range(func(key, value any) bool {
		s := value.(*session)
		if s.lastSeen.Load() > cutoff {
			return true
		}
		if r.sessions.CompareAndDelete(key, value) {
			removed++
			r.sessionCount.Add(-1)
		}
		return true
	})
	if removed > 0 {
		r.metrics.SetSessions(int(r.sessionCount.Load()))
		r.metrics.ObserveSessionsReclaimed(removed)
		r.logger.Info("session_reclaimed", zap.Int("count", removed))
	}
	return removed
}
