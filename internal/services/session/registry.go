// Package session owns the per-user broker session cache: one live SDK
// connection per user id, lazily created, health-checked on every hit and
// evicted on any failure so the next call always starts clean.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tradebridge/internal/broker"
	"tradebridge/internal/domain"
)

// UserStore is the narrow slice of the user store the registry needs.
type UserStore interface {
	FindByID(ctx context.Context, id string) (domain.User, error)
}

type entry struct {
	client broker.Client
	ssid   string
}

// Registry caches authenticated broker sessions keyed by user id. It is
// constructed once at process start and passed to every consumer.
type Registry struct {
	users  UserStore
	dialer broker.Dialer
	wsURL  string
	appID  int
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	locks    map[string]*sync.Mutex
}

// NewRegistry creates the process-wide session registry.
func NewRegistry(users UserStore, dialer broker.Dialer, wsURL string, appID int, logger *zap.Logger) *Registry {
	return &Registry{
		users:    users,
		dialer:   dialer,
		wsURL:    wsURL,
		appID:    appID,
		logger:   logger,
		sessions: make(map[string]*entry),
		locks:    make(map[string]*sync.Mutex),
	}
}

// userLock serializes session operations for one user id. Different user
// ids stay fully independent.
func (r *Registry) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[userID] = l
	}
	return l
}

// Resolve returns a live session for the user, reusing the cached one when
// its ssid still matches storage and it answers a liveness probe. Any
// failure evicts the entry before surfacing, so the cache never holds a
// poisoned session.
func (r *Registry) Resolve(ctx context.Context, userID string) (broker.Client, error) {
	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrUnauthenticated, "unknown user")
	}
	if user.BrokerSSID == "" {
		return nil, errors.Wrap(domain.ErrUnauthenticated, "user has no broker ssid")
	}

	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	cached := r.sessions[userID]
	r.mu.Unlock()

	if cached != nil && cached.ssid == user.BrokerSSID {
		if _, err := cached.client.CurrentTime(ctx); err == nil {
			return cached.client, nil
		} else {
			r.logger.Warn("cached session failed liveness probe, recreating",
				zap.String("user_id", userID), zap.Error(err))
			r.evict(ctx, userID, cached)
		}
	} else if cached != nil {
		// ssid rotated since the session was cached
		r.logger.Info("cached session is stale, recreating", zap.String("user_id", userID))
		r.evict(ctx, userID, cached)
	}

	client, err := r.connect(ctx, user.BrokerSSID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[userID] = &entry{client: client, ssid: user.BrokerSSID}
	r.mu.Unlock()

	return client, nil
}

// connect dials a fresh session and validates it with one handshake call
// before it is allowed into the cache.
func (r *Registry) connect(ctx context.Context, ssid string) (broker.Client, error) {
	client, err := r.dialer.Dial(ctx, r.wsURL, r.appID, ssid)
	if err != nil {
		if broker.IsTerminated(err) {
			return nil, errors.Wrap(domain.ErrSessionInvalid, err.Error())
		}
		return nil, errors.Wrap(domain.ErrUpstreamUnavailable, err.Error())
	}

	if _, err := client.CurrentTime(ctx); err != nil {
		_ = client.Shutdown(ctx)
		if broker.IsTerminated(err) {
			return nil, errors.Wrap(domain.ErrSessionInvalid, err.Error())
		}
		return nil, errors.Wrap(domain.ErrSessionInvalid, "session validation failed: "+err.Error())
	}

	return client, nil
}

func (r *Registry) evict(ctx context.Context, userID string, e *entry) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
	_ = e.client.Shutdown(ctx)
}

// Invalidate drops the user's cached session, closing the connection
// best-effort. Safe to call repeatedly and for users with no entry.
func (r *Registry) Invalidate(ctx context.Context, userID string) {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	e := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if e != nil {
		r.logger.Warn("invalidating broker session", zap.String("user_id", userID))
		_ = e.client.Shutdown(ctx)
	}
}
