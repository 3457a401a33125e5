package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const credFileName = "credentials.json"

// Credentials is what survives between runs.
type Credentials struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	UserID       uuid.UUID  `json:"user_id"`
	Email        string     `json:"email"`
	Source       string     `json:"source"`     // "env" | "file"
	SavedAt      time.Time  `json:"saved_at"`   // when we saved to file
	ExpiresAt    *time.Time `json:"expires_at"` // from the JWT exp claim
}

// Expired reports whether the access token is past (or has no) expiry.
func (c *Credentials) Expired() bool {
	return c.ExpiresAt == nil || time.Now().After(*c.ExpiresAt)
}

func credsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home: %w", err)
	}
	return filepath.Join(home, ".crewdeck"), nil
}

func credFilePath() (string, error) {
	dir, err := credsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, credFileName), nil
}

// LoadCredentials finds saved credentials. Order: CREWDECK_TOKEN env
// override, then the credentials file. (nil, nil) means not logged in.
func LoadCredentials() (*Credentials, error) {
	// 1) env override
	env := strings.TrimSpace(os.Getenv("CREWDECK_TOKEN"))
	if env != "" {
		c := &Credentials{AccessToken: stripBearer(env), Source: "env"}
		fillFromToken(c)
		return c, nil
	}

	// 2) file
	p, err := credFilePath()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil // not logged in
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	c.AccessToken = stripBearer(c.AccessToken)
	return &c, nil
}

// SaveCredentials persists to ~/.crewdeck with owner-only perms.
func SaveCredentials(c *Credentials) error {
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("empty token")
	}
	dir, err := credsDir()
	if err != nil {
		return err
	}
	// ensure ~/.crewdeck exists with 0700
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	c.Source = "file"
	c.SavedAt = time.Now()
	fillFromToken(c)
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	p, _ := credFilePath()
	// write with 0600 (owner-only)
	if err := os.WriteFile(p, b, 0o600); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// DeleteCredentials forgets the saved login. Missing file is fine.
func DeleteCredentials() error {
	p, err := credFilePath()
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

func stripBearer(s string) string {
	if strings.HasPrefix(strings.ToLower(s), "bearer ") {
		return strings.TrimSpace(s[7:])
	}
	return s
}

// fillFromToken backfills expiry and identity from the JWT claims when
// they are missing. The token is not verified here; the backend does
// that on every request.
func fillFromToken(c *Credentials) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, claims)
	if err != nil {
		return
	}
	if c.ExpiresAt == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			t := exp.Time
			c.ExpiresAt = &t
		}
	}
	if c.UserID == uuid.Nil {
		if sub, err := claims.GetSubject(); err == nil {
			if id, err := uuid.Parse(sub); err == nil {
				c.UserID = id
			}
		}
	}
	if c.Email == "" {
		if email, ok := claims["email"].(string); ok {
			c.Email = email
		}
	}
}
