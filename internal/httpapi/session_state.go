package httpapi

import (
	"net/http"

	"github.com/google/uuid"
)

// cookieState carries the session id in an HTTP-only cookie.
type cookieState struct {
	r      *http.Request
	w      http.ResponseWriter
	secure bool
	id     string
	set    bool
}

func (s *Server) clientState(w http.ResponseWriter, r *http.Request) *cookieState {
	return &cookieState{r: r, w: w, secure: s.cookieSecure}
}

// SessionID ignores cookies that do not hold a well-formed id so a tampered
// cookie starts a new session instead of addressing arbitrary keys.
func (c *cookieState) SessionID() (string, bool) {
	if c.set {
		return c.id, true
	}
	cookie, err := c.r.Cookie(SessionCookieName)
	if err != nil {
		return "", false
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return "", false
	}
	return cookie.Value, true
}

func (c *cookieState) SetSessionID(id string) {
	c.id = id
	c.set = true
	http.SetCookie(c.w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
