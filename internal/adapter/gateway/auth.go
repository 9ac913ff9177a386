package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"vmrelay/internal/domain"
)

// ClientInfo holds metadata about an authenticated client.
type ClientInfo struct {
	Name string
}

// Authenticator validates bearer credentials.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry maps a static bearer token to a client name.
type TokenEntry struct {
	Token string
	Name  string
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from a set of token entries.
// Entries with an empty token are ignored.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(e.Token),
			info:  &ClientInfo{Name: e.Name},
		})
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	var match *ClientInfo
	// Compare against every entry so timing does not reveal the position.
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 && match == nil {
			match = e.info
		}
	}
	if match == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return match, nil
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter for browser WebSocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
