package auth

import (
	"net/http"
	"time"
)

const refreshCookieMaxAge = 30 * 24 * time.Hour

// SetSessionCookies writes the access and refresh cookies. An empty domain
// yields host-only cookies.
func SetSessionCookies(w http.ResponseWriter, s *Session, domain string, secure bool) {
	accessMaxAge := s.ExpiresIn
	if accessMaxAge <= 0 {
		accessMaxAge = int(time.Hour.Seconds())
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    s.AccessToken,
		Path:     "/",
		Domain:   domain,
		MaxAge:   accessMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    s.RefreshToken,
		Path:     "/",
		Domain:   domain,
		MaxAge:   int(refreshCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
