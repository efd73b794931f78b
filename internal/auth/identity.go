package auth

import (
	"net/http"
	"strings"
)

// Identity is the authenticated caller as seen by the realtime layer.
type Identity struct {
	UserID   int64
	Username string
	IsStaff  bool
}

// Authenticator resolves the caller of an HTTP or upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Authenticate reads the bearer token from the request and validates it.
func (t *TokenService) Authenticate(r *http.Request) (Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	return t.Parse(token)
}

// TokenFromRequest looks at the Authorization header, the token query
// parameter, and the "bearer, <token>" websocket subprotocol pair, in that order.
func TokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		if token := strings.TrimSpace(parts[1]); token != "" {
			return token
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	if protocols := r.Header.Get("Sec-WebSocket-Protocol"); protocols != "" {
		parts := strings.Split(protocols, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return ""
}
