// Package auth implements the Auth Handler: bearer-token verification (RSA
// if the configured secret is PEM-encoded, HMAC otherwise) and principal
// normalization, using github.com/golang-jwt/jwt/v4.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

const pemHeader = "-----BEGIN"

// Principal is the normalized identity attached to a session once
// authenticated: user id, role set, optional claims. A missing
// role set becomes {USER}; a missing user id is filled from the JWT
// subject.
type Principal struct {
	UserID string
	Roles  []string
	Claims map[string]interface{}
}

// RoleSignature is the sorted, comma-joined role set used as the Broadcast
// Router's per-bucket cache key.
func (p *Principal) RoleSignature() string {
	if len(p.Roles) == 0 {
		return "USER"
	}
	roles := append([]string(nil), p.Roles...)
	sortStrings(roles)
	return strings.Join(roles, ",")
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Handler verifies bearer tokens against a single configured secret.
type Handler struct {
	secret []byte
	isRSA  bool
	rsaKey interface{}

	onSuccess func(principal *Principal)
	onFailure func(reason string)
}

// NewHandler builds a Handler from the configured secret: if it begins with
// the PEM header, it is parsed as an RSA public key for RS256 verification;
// otherwise it is used as the HMAC (HS256) signing secret.
func NewHandler(secret []byte) (*Handler, error) {
	h := &Handler{secret: secret}
	if strings.HasPrefix(string(secret), pemHeader) {
		key, err := jwt.ParseRSAPublicKeyFromPEM(secret)
		if err != nil {
			return nil, errors.Wrap(err, "parse RSA public key")
		}
		h.isRSA = true
		h.rsaKey = key
	}
	return h, nil
}

func (h *Handler) OnSuccess(fn func(*Principal)) { h.onSuccess = fn }
func (h *Handler) OnFailure(fn func(string))     { h.onFailure = fn }

// VerifyToken validates the bearer token and returns a normalized
// Principal on success.
func (h *Handler) VerifyToken(token string) (*Principal, error) {
	var claims jwt.MapClaims
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if h.isRSA {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return h.rsaKey, nil
		}
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return h.secret, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &claims, keyFunc)
	if err != nil || !parsed.Valid {
		return nil, errors.Wrap(errInvalidToken(err), "verify token")
	}
	return normalize(claims), nil
}

func errInvalidToken(cause error) error {
	if cause == nil {
		return errors.New("invalid token")
	}
	return cause
}

func normalize(claims jwt.MapClaims) *Principal {
	p := &Principal{Claims: claims}
	if uid, ok := claims["userId"].(string); ok && uid != "" {
		p.UserID = uid
	} else if sub, ok := claims["sub"].(string); ok {
		p.UserID = sub
	}
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	}
	if len(p.Roles) == 0 {
		p.Roles = []string{"USER"}
	}
	return p
}

// Session is the minimal view the handler needs of a connection session —
// kept narrow so internal/transport need not import internal/auth.
type Session interface {
	SetPrincipal(p *Principal)
	SetAuthenticated(bool)
	Authenticated() bool
}

// HandleAuth verifies token and, on success, mutates session with the
// principal and fires OnSuccess; on failure fires OnFailure and returns the
// rejection reason.
func (h *Handler) HandleAuth(session Session, token string) (reason string, ok bool) {
	if session.Authenticated() {
		// duplicate AUTH on an authenticated session is ignored
		return "", true
	}
	principal, err := h.VerifyToken(token)
	if err != nil {
		reason = err.Error()
		if h.onFailure != nil {
			h.onFailure(reason)
		}
		return reason, false
	}
	session.SetPrincipal(principal)
	session.SetAuthenticated(true)
	if h.onSuccess != nil {
		h.onSuccess(principal)
	}
	return "", true
}
