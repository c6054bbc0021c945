package api

import (
	"net/http"
	"time"

	"wts/internal/auth"
)

// SessionCookieName carries the browser session ID.
const SessionCookieName = "wts"

// loadSession returns the caller's session, or a fresh unsaved one when the
// cookie is missing, unknown or expired.
func (s *Server) loadSession(r *http.Request) (*auth.Session, error) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		sess, err := s.deps.Sessions.Get(r.Context(), c.Value)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
	}
	return auth.NewSession(auth.DefaultSessionDuration)
}

// saveSession persists sess and (re)sets the cookie.
func (s *Server) saveSession(w http.ResponseWriter, r *http.Request, sess *auth.Session) error {
	if err := s.deps.Sessions.Save(r.Context(), sess); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.ID,
		Path:     s.cookiePath(),
		Expires:  sess.ExpiresAt,
		MaxAge:   int(time.Until(sess.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   s.deps.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *Server) cookiePath() string {
	if s.deps.BasePath == "" {
		return "/"
	}
	return s.deps.BasePath + "/"
}
