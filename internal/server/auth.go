package server

import (
	"context"
	"net/http"

	"github.com/graffitinet/graffiti-server/internal/graffiti"
)

// Authenticator resolves a request to a session. Identity
// verification itself is an external concern; the surface only
// consumes the opaque actor/transport pair it yields. A nil session
// means anonymous.
type Authenticator interface {
	SessionFor(r *http.Request) (*graffiti.Session, error)
}

// TrustedHeaderAuth trusts a reverse proxy (or test harness) to have
// verified the actor and placed it in a header.
type TrustedHeaderAuth struct {
	// Header carrying the verified actor URI. Empty means "Actor".
	Header string
}

func (a TrustedHeaderAuth) SessionFor(r *http.Request) (*graffiti.Session, error) {
	header := a.Header
	if header == "" {
		header = "Actor"
	}
	actor := r.Header.Get(header)
	if actor == "" {
		return nil, nil
	}
	return &graffiti.Session{Actor: actor}, nil
}

type sessionKey struct{}

// SessionFromContext returns the session the middleware attached, or
// nil for anonymous requests.
func SessionFromContext(ctx context.Context) *graffiti.Session {
	s, _ := ctx.Value(sessionKey{}).(*graffiti.Session)
	return s
}

// withSession resolves the request's session and threads it through
// the context.
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.auth.SessionFor(r)
		if err != nil {
			writeError(w, graffiti.ErrUnauthorized)
			return
		}
		if session != nil {
			r = r.WithContext(context.WithValue(r.Context(), sessionKey{}, session))
		}
		next(w, r)
	}
}
