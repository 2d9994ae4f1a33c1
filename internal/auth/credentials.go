package auth

import (
	"context"
	"os"
	"strings"
	"time"

	"calsync/pkg/exception"

	"github.com/golang-jwt/jwt"
	"github.com/yanun0323/errors"
)

// Credentials is the bearer identity a session connects with.
type Credentials struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// Empty reports whether no token is present.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Token) == ""
}

// Expired reports whether the token carried an expiry that already passed.
// Tokens without an expiry never expire.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Validate rejects empty or already expired credentials.
func (c Credentials) Validate(now time.Time) error {
	if c.Empty() {
		return exception.ErrNoCredentials
	}
	if c.Expired(now) {
		return errors.Wrapf(exception.ErrCredentialsExpired, "expired at %s", c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// ParseToken reads the subject and expiry claims of a JWT bearer token.
// The signature is not verified; the backend does that during the handshake.
func ParseToken(token string) (Credentials, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credentials{}, exception.ErrNoCredentials
	}
	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return Credentials{}, errors.Wrap(err, "parse bearer token")
	}
	creds := Credentials{Token: token, Subject: claims.Subject}
	if claims.ExpiresAt > 0 {
		creds.ExpiresAt = time.Unix(claims.ExpiresAt, 0)
	}
	return creds, nil
}

// FromToken accepts JWT and opaque bearer tokens alike.
func FromToken(token string) Credentials {
	if creds, err := ParseToken(token); err == nil {
		return creds
	}
	return Credentials{Token: strings.TrimSpace(token)}
}

// Source yields the credentials of the current session.
type Source interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticSource always returns the same token.
type StaticSource string

func (s StaticSource) Credentials(context.Context) (Credentials, error) {
	creds := FromToken(string(s))
	if creds.Empty() {
		return Credentials{}, exception.ErrNoCredentials
	}
	return creds, nil
}

// EnvSource reads the token from an environment variable on every call.
type EnvSource struct {
	Key string
}

func (s EnvSource) Credentials(context.Context) (Credentials, error) {
	creds := FromToken(os.Getenv(s.Key))
	if creds.Empty() {
		return Credentials{}, errors.Wrapf(exception.ErrNoCredentials, "env %s is empty", s.Key)
	}
	return creds, nil
}

// FileTokenSource reads the token from a file on every call, so a rotated
// secret is picked up on the next renewal.
type FileTokenSource struct {
	Path string
}

func (s FileTokenSource) Credentials(context.Context) (Credentials, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "read token file %s", s.Path)
	}
	creds := FromToken(string(raw))
	if creds.Empty() {
		return Credentials{}, errors.Wrapf(exception.ErrNoCredentials, "token file %s is empty", s.Path)
	}
	return creds, nil
}
