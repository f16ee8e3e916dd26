// Package auth handles operator sessions and client API keys. Sessions are
// HMAC-signed JWTs bound to the configured operator account; API keys are
// random secrets stored only as keyed hashes.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

const keyDisplayPrefixLen = 8

// Authenticator issues and verifies session tokens and API keys.
type Authenticator struct {
	config *Config
	store  *store.Store
	logger logging.Interface

	now func() time.Time
}

// New builds an authenticator. The configuration must already be validated.
func New(config *Config, st *store.Store) *Authenticator {
	return &Authenticator{
		config: config,
		store:  st,
		logger: config.Logger,
		now:    time.Now,
	}
}

// Login checks the operator credentials and mints a session token. The
// username comparison is constant time alongside the password check so both
// failure modes are indistinguishable.
func (a *Authenticator) Login(username, password string) (string, time.Time, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.config.Username)) == 1
	passOK, err := VerifyPassword(password, a.config.PasswordHash)
	if err != nil {
		a.logger.WithError(err).Error("Password hash verification failed")
		passOK = false
	}
	if !userOK || !passOK {
		return "", time.Time{}, errdefs.New(errdefs.KindAuth, "invalid credentials")
	}

	expiresAt := a.now().Add(time.Duration(a.config.SessionTimeoutHours) * time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(a.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, errdefs.Wrap(errdefs.KindInternal, err, "signing session token")
	}
	return token, expiresAt, nil
}

// VerifySession validates a session token and returns its subject.
func (a *Authenticator) VerifySession(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errdefs.New(errdefs.KindAuth, "unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return "", errdefs.New(errdefs.KindAuth, "invalid or expired session")
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errdefs.New(errdefs.KindAuth, "invalid or expired session")
	}
	return claims.Subject, nil
}

// hashKey derives the storage key for an API key. HMAC keyed by the server
// secret keeps the hash non-reversible while allowing direct lookup.
func (a *Authenticator) hashKey(key string) string {
	mac := hmac.New(sha256.New, []byte(a.config.JWTSecret))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// MintKey creates an API key, stores its hashed record, and returns the
// plaintext once. It is never recoverable afterwards.
func (a *Authenticator) MintKey(ctx context.Context, name, description string) (string, *store.APIKeyRecord, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, errdefs.Wrap(errdefs.KindInternal, err, "generating api key")
	}
	key := "sk_" + base64.RawURLEncoding.EncodeToString(raw)

	rec := &store.APIKeyRecord{
		Hash:        a.hashKey(key),
		Prefix:      key[:keyDisplayPrefixLen],
		Name:        name,
		Description: description,
		CreatedAt:   a.now().UnixMilli(),
	}
	if err := a.store.SaveAPIKey(ctx, rec); err != nil {
		return "", nil, err
	}
	return key, rec, nil
}

// VerifyKey checks a presented API key and stamps last_used_at off the
// request path.
func (a *Authenticator) VerifyKey(ctx context.Context, key string) (*store.APIKeyRecord, error) {
	if key == "" {
		return nil, errdefs.New(errdefs.KindAuth, "missing api key")
	}
	rec, err := a.store.GetAPIKey(ctx, a.hashKey(key))
	if err != nil {
		if errdefs.KindOf(err) == errdefs.KindNotFound {
			return nil, errdefs.New(errdefs.KindAuth, "invalid api key")
		}
		return nil, err
	}

	ts := a.now().UnixMilli()
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.TouchAPIKey(touchCtx, rec.Hash, ts); err != nil {
			a.logger.WithError(err).Warn("Failed to stamp api key usage")
		}
	}()
	return rec, nil
}
