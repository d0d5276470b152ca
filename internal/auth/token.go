package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
)

var ErrRejected = errors.New("auth: token rejected")

// Authenticator turns a bearer token into a user identity.
type Authenticator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// UserID accepts both numeric and string ids from the token payload.
type UserID string

func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*u = UserID(n.String())
	return nil
}

type TokenPayload struct {
	UserID    UserID `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// ExtractToken gets token from the header (optionally Bearer-prefixed) or
// the query parameter.
func ExtractToken(r *http.Request, header, bearerPrefix, queryKey string) string {
	if header != "" {
		v := strings.TrimSpace(r.Header.Get(header))
		if v != "" {
			if bearerPrefix != "" && strings.HasPrefix(v, bearerPrefix) {
				return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
			}
			return v
		}
	}
	if queryKey != "" {
		if q := strings.TrimSpace(r.URL.Query().Get(queryKey)); q != "" {
			return q
		}
	}
	return ""
}

// ParseToken decrypts token and returns its payload.
func ParseToken(token, secret string) (*TokenPayload, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	plain, err := Decrypt(token, secret)
	if err != nil {
		return nil, err
	}
	var p TokenPayload
	if err := json.Unmarshal([]byte(plain), &p); err != nil {
		return nil, err
	}
	if p.UserID == "" || p.UserID == "0" || p.Timestamp == "" {
		return nil, errors.New("invalid token payload")
	}
	return &p, nil
}

// TokenAuthenticator validates encrypted tokens and requires a live session
// key (prefix+token) in Redis.
type TokenAuthenticator struct {
	Secret      string
	RedisPrefix string
	Sessions    *redis.Client
}

func (a *TokenAuthenticator) Validate(ctx context.Context, token string) (string, error) {
	p, err := ParseToken(token, a.Secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if a.Sessions != nil {
		n, err := a.Sessions.Exists(ctx, a.RedisPrefix+token).Result()
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("%w: no session", ErrRejected)
		}
	}
	return string(p.UserID), nil
}

// PathIdentity trusts the caller-supplied identity. Used when auth is disabled.
type PathIdentity struct{}

func (PathIdentity) Validate(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrRejected
	}
	return token, nil
}
