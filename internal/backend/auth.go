package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// AuthUser is the authenticated user as the auth subsystem reports it.
type AuthUser struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

// AuthSession is the token pair handed out by the auth subsystem.
type AuthSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         AuthUser
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	User         AuthUser `json:"user"`
}

func (t tokenResponse) session() *AuthSession {
	return &AuthSession{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(t.ExpiresIn) * time.Second),
		User:         t.User,
	}
}

// SignIn performs a password-grant login.
func (c *Client) SignIn(ctx context.Context, email, password string) (*AuthSession, error) {
	var tr tokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/v1/token", Filters{"grant_type": {"password"}},
		map[string]string{"email": email, "password": password}, "", &tr)
	if err != nil {
		return nil, err
	}
	return tr.session(), nil
}

// SignUp registers a new user. The username lands in the profile row the
// backend creates alongside the account.
func (c *Client) SignUp(ctx context.Context, email, password, username string) (*AuthSession, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"username": username},
	}
	var tr tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", nil, body, "", &tr); err != nil {
		return nil, err
	}
	return tr.session(), nil
}

// Refresh exchanges a refresh token for a fresh session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthSession, error) {
	var tr tokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/v1/token", Filters{"grant_type": {"refresh_token"}},
		map[string]string{"refresh_token": refreshToken}, "", &tr)
	if err != nil {
		return nil, err
	}
	return tr.session(), nil
}

// SignOut revokes the current token server-side. Local state is the
// caller's problem.
func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, struct{}{}, "", nil)
}
