// Package session holds the current auth session and tells dependents
// when it changes.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/backend"
)

// User is the signed-in user.
type User struct {
	ID    uuid.UUID
	Email string
}

// Session is the live token pair plus its user.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// Holder wraps the backend auth subsystem: current session, a loading
// flag while restore/sign-in is in flight, and change notification.
type Holder struct {
	client *backend.Client
	log    *log.Logger

	mu        sync.Mutex
	current   *Session
	loading   bool
	listeners []func(*Session)
}

// NewHolder builds a holder around the given client.
func NewHolder(client *backend.Client, logger *log.Logger) *Holder {
	return &Holder{client: client, log: logger}
}

// Current returns the session, or nil when signed out.
func (h *Holder) Current() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Loading reports whether a restore or sign-in is in flight.
func (h *Holder) Loading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}

// OnChange registers a listener called with the new session (nil on sign
// out). Listeners run on the goroutine that changed the session.
func (h *Holder) OnChange(fn func(*Session)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Restore loads saved credentials and brings the session back, refreshing
// an expired token when a refresh token is on file. Failures leave the
// holder signed out; they are logged, not returned.
func (h *Holder) Restore(ctx context.Context) {
	h.setLoading(true)
	defer h.setLoading(false)

	creds, err := LoadCredentials()
	if err != nil {
		h.log.Error("load credentials", "err", err)
		return
	}
	if creds == nil {
		return // not logged in
	}

	if creds.Expired() && creds.RefreshToken != "" {
		fresh, err := h.client.Refresh(ctx, creds.RefreshToken)
		if err != nil {
			h.log.Error("refresh session", "err", err)
			return
		}
		h.adopt(fresh, creds.Source == "file")
		return
	}

	sess := &Session{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		User:         User{ID: creds.UserID, Email: creds.Email},
	}
	if creds.ExpiresAt != nil {
		sess.ExpiresAt = *creds.ExpiresAt
	}
	h.client.SetAccessToken(sess.AccessToken)
	h.swap(sess)
}

// SignIn authenticates, persists credentials and notifies dependents.
func (h *Holder) SignIn(ctx context.Context, email, password string) error {
	h.setLoading(true)
	defer h.setLoading(false)

	auth, err := h.client.SignIn(ctx, email, password)
	if err != nil {
		h.log.Error("sign in", "err", err)
		return err
	}
	h.adopt(auth, true)
	return nil
}

// SignUp registers and signs in as the new user.
func (h *Holder) SignUp(ctx context.Context, email, password, username string) error {
	h.setLoading(true)
	defer h.setLoading(false)

	auth, err := h.client.SignUp(ctx, email, password, username)
	if err != nil {
		h.log.Error("sign up", "err", err)
		return err
	}
	h.adopt(auth, true)
	return nil
}

// SignOut revokes the token, forgets credentials and notifies with nil.
func (h *Holder) SignOut(ctx context.Context) {
	if err := h.client.SignOut(ctx); err != nil {
		// Revocation failing is not worth keeping the user logged in for.
		h.log.Warn("sign out", "err", err)
	}
	if err := DeleteCredentials(); err != nil {
		h.log.Error("delete credentials", "err", err)
	}
	h.client.SetAccessToken("")
	h.swap(nil)
}

func (h *Holder) adopt(auth *backend.AuthSession, persist bool) {
	sess := &Session{
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
		ExpiresAt:    auth.ExpiresAt,
		User:         User{ID: auth.User.ID, Email: auth.User.Email},
	}
	h.client.SetAccessToken(sess.AccessToken)
	if persist {
		exp := sess.ExpiresAt
		err := SaveCredentials(&Credentials{
			AccessToken:  sess.AccessToken,
			RefreshToken: sess.RefreshToken,
			UserID:       sess.User.ID,
			Email:        sess.User.Email,
			ExpiresAt:    &exp,
		})
		if err != nil {
			h.log.Error("save credentials", "err", err)
		}
	}
	h.swap(sess)
}

func (h *Holder) swap(sess *Session) {
	h.mu.Lock()
	h.current = sess
	listeners := make([]func(*Session), len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(sess)
	}
}

func (h *Holder) setLoading(v bool) {
	h.mu.Lock()
	h.loading = v
	h.mu.Unlock()
}
