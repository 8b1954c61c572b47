// Package auth resolves the bearer token used against the task backend.
package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EnvVar overrides every other token source.
const EnvVar = "TASKPILOT_TOKEN"

// ErrNoExpiry is returned by Expiry for tokens without an exp claim.
var ErrNoExpiry = errors.New("token has no expiry")

// Source resolves the token lazily so a token file rewritten by a login flow is
// picked up without a restart. Lookup order: TASKPILOT_TOKEN, Static, File.
type Source struct {
	Static string
	File   string
}

// NewSource builds a Source. An empty file defaults to <configDir>/token.
func NewSource(static, file, configDir string) *Source {
	if file == "" && configDir != "" {
		file = filepath.Join(configDir, "token")
	}
	return &Source{Static: static, File: file}
}

// Token returns the current token or "" when none is configured.
func (s *Source) Token() (string, error) {
	if token := os.Getenv(EnvVar); token != "" {
		return token, nil
	}
	if s.Static != "" {
		return s.Static, nil
	}
	if s.File == "" {
		return "", nil
	}
	data, err := os.ReadFile(s.File)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Expiry reads the exp claim of a JWT without verifying its signature; the
// backend is the only party that can verify it.
func Expiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

// Expired reports whether token carries an exp claim in the past.
// Opaque (non-JWT) tokens are never considered expired.
func Expired(token string, now time.Time) bool {
	exp, err := Expiry(token)
	if err != nil {
		return false
	}
	return !exp.After(now)
}
