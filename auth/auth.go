// Package auth holds credentials and the session contract shared by the
// live and static backends.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ImagineLearning/aia-improvements-viewer/extract"
)

var (
	// ErrMissingCredentials is returned when no username or password is set.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrLoginFailed is returned when the site did not accept the credentials.
	ErrLoginFailed = errors.New("auth: login failed")
)

// Credentials are the site login.
type Credentials struct {
	Username string
	Password string
}

// String hides the password.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q, Password: <redacted>}", c.Username)
}

// LogValue keeps the password out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", c.Username))
}

// Session is an authenticated connection to the site.
type Session interface {
	Fetch(ctx context.Context, pageURL string) (extract.Document, error)
	Close() error
}

// Authenticator establishes sessions.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (Session, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, creds Credentials) (Session, error)

func (f AuthenticatorFunc) Login(ctx context.Context, creds Credentials) (Session, error) {
	return f(ctx, creds)
}

// LoadCredentials loads envFile when it exists and then reads
// ERRATA_USERNAME and ERRATA_PASSWORD, falling back to USERNAME and
// PASSWORD. Variables already set in the environment win over the file.
func LoadCredentials(envFile string) (Credentials, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Credentials{}, fmt.Errorf("load env file %s: %w", envFile, err)
			}
			slog.Debug("env file not found", slog.String("path", envFile))
		}
	}

	creds := Credentials{
		Username: firstEnv("ERRATA_USERNAME", "USERNAME"),
		Password: firstEnv("ERRATA_PASSWORD", "PASSWORD"),
	}
	if creds.Username == "" || creds.Password == "" {
		return Credentials{}, fmt.Errorf("%w: set ERRATA_USERNAME and ERRATA_PASSWORD", ErrMissingCredentials)
	}
	return creds, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}
