// Package sso moves a signed-in session onto a sibling subdomain by
// re-issuing the auth cookies on a shared parent domain.
//
// The flow has two legs. POST validates the target and mints a CSRF state
// stored in a short-lived cookie, then redirects to GET carrying the state.
// GET checks the state, refreshes the session so fresh cookies are issued and
// redirects to the target.
package sso

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vnmchuo/deep-search/config"
	"github.com/vnmchuo/deep-search/internal/auth"
)

const (
	DefaultPath = "/auth/sso-redirect"
	StateCookie = "sso_state"

	stateTTL   = 5 * time.Minute
	stateBytes = 32
)

var ErrUntrustedTarget = errors.New("redirect target is not trusted")

type Refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*auth.Session, error)
}

type Handler struct {
	refresher Refresher
	runtime   func() config.Runtime
	path      string
	loginPath string
}

func NewHandler(refresher Refresher, runtime func() config.Runtime) *Handler {
	return &Handler{
		refresher: refresher,
		runtime:   runtime,
		path:      DefaultPath,
		loginPath: "/login",
	}
}

// HandleStart is the POST leg.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime()

	to, err := readTarget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := ValidateTarget(to, rt.TrustedRedirectDomains, rt.Production)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid redirect target")
		return
	}

	state, err := newState()
	if err != nil {
		log.Printf("sso: failed to mint state: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    state,
		Path:     h.path,
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   rt.Production,
		SameSite: http.SameSiteLaxMode,
	})

	q := url.Values{}
	q.Set("to", target.String())
	q.Set("state", state)
	http.Redirect(w, r, h.path+"?"+q.Encode(), http.StatusFound)
}

// HandleComplete is the GET leg.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime()

	target, err := ValidateTarget(r.URL.Query().Get("to"), rt.TrustedRedirectDomains, rt.Production)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid redirect target")
		return
	}

	// The state is single use.
	http.SetCookie(w, &http.Cookie{Name: StateCookie, Value: "", Path: h.path, MaxAge: -1, HttpOnly: true, Secure: rt.Production})

	cookie, err := r.Cookie(StateCookie)
	state := r.URL.Query().Get("state")
	if err != nil || cookie.Value == "" || state == "" ||
		subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		writeError(w, http.StatusForbidden, "invalid state")
		return
	}

	refresh, err := r.Cookie(auth.RefreshTokenCookie)
	if err != nil || refresh.Value == "" {
		h.redirectToLogin(w, r, target)
		return
	}

	session, err := h.refresher.RefreshSession(r.Context(), refresh.Value)
	if err != nil {
		log.Printf("sso: session refresh failed")
		h.redirectToLogin(w, r, target)
		return
	}

	domain := ""
	if rt.CookieDomain != "" && HostCovered(requestHost(r), rt.CookieDomain) {
		domain = rt.CookieDomain
	}
	auth.SetSessionCookies(w, session, domain, rt.Production)

	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request, target *url.URL) {
	q := url.Values{}
	q.Set("next", target.String())
	http.Redirect(w, r, h.loginPath+"?"+q.Encode(), http.StatusFound)
}

// ValidateTarget accepts absolute http(s) URLs whose host is one of trusted
// or a subdomain of one. Production requires https.
func ValidateTarget(raw string, trusted []string, production bool) (*url.URL, error) {
	if raw == "" {
		return nil, ErrUntrustedTarget
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrUntrustedTarget
	}
	switch u.Scheme {
	case "https":
	case "http":
		if production {
			return nil, ErrUntrustedTarget
		}
	default:
		return nil, ErrUntrustedTarget
	}
	if u.User != nil || u.Hostname() == "" {
		return nil, ErrUntrustedTarget
	}

	host := strings.ToLower(u.Hostname())
	for _, d := range trusted {
		if HostCovered(host, d) {
			return u, nil
		}
	}
	return nil, ErrUntrustedTarget
}

// HostCovered reports whether host equals domain or is a subdomain of it.
// A leading dot on domain is ignored.
func HostCovered(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func requestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func readTarget(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			To string `json:"to"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", err
		}
		return body.To, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.PostFormValue("to"), nil
}

func newState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
