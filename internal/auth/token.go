// Package auth signs and verifies the bearer tokens that identify a canvas
// viewer.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tokenVersion prefixes every token and is covered by the signature.
const tokenVersion = "v1"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims identify a viewer. Team roles are not part of the token; they are
// looked up per request because membership can change while a token lives.
type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Iat  int64  `json:"iat"`
	Exp  int64  `json:"exp"`
}

// ExpiresAt is Exp as a time.
func (c Claims) ExpiresAt() time.Time { return time.Unix(c.Exp, 0) }

// Signer issues and verifies HMAC-SHA256 tokens of the form
// "v1.<payload>.<signature>".
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// WithClock returns a copy of the signer that reads time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	c := *s
	c.now = now
	return &c
}

func (s *Signer) Issue(userID, name string) (string, Claims, error) {
	if userID == "" || name == "" {
		return "", Claims{}, fmt.Errorf("issue token: user id and name are required")
	}
	issued := s.now()
	claims := Claims{
		Sub:  userID,
		Name: name,
		JTI:  uuid.NewString(),
		Iat:  issued.Unix(),
		Exp:  issued.Add(s.ttl).Unix(),
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, fmt.Errorf("marshal claims: %w", err)
	}
	unsigned := tokenVersion + "." + base64.RawURLEncoding.EncodeToString(body)
	return unsigned + "." + s.sign(unsigned), claims, nil
}

func (s *Signer) Parse(token string) (Claims, error) {
	cut := strings.LastIndexByte(token, '.')
	if cut < 0 {
		return Claims{}, ErrInvalidToken
	}
	unsigned, signature := token[:cut], token[cut+1:]
	if !hmac.Equal([]byte(signature), []byte(s.sign(unsigned))) {
		return Claims{}, ErrInvalidToken
	}
	version, payload, ok := strings.Cut(unsigned, ".")
	if !ok || version != tokenVersion {
		return Claims{}, ErrInvalidToken
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if !s.now().Before(claims.ExpiresAt()) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (s *Signer) sign(unsigned string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(unsigned))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
