package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/deep-search/config"
	"github.com/vnmchuo/deep-search/internal/captcha"
	"github.com/vnmchuo/deep-search/internal/ratelimit"
	"github.com/vnmchuo/deep-search/internal/whitelist"
)

// WhitelistLimit bounds whitelist lookups per caller to blunt enumeration.
var WhitelistLimit = ratelimit.Config{Window: time.Minute, Max: 10}

type CaptchaVerifier interface {
	Verify(ctx context.Context, secret, token, remoteIP string) (*captcha.Result, error)
}

type CaptchaHandler struct {
	limiter  *ratelimit.Limiter
	verifier CaptchaVerifier
	runtime  func() config.Runtime
}

func NewCaptchaHandler(limiter *ratelimit.Limiter, verifier CaptchaVerifier, runtime func() config.Runtime) *CaptchaHandler {
	return &CaptchaHandler{
		limiter:  limiter,
		verifier: verifier,
		runtime:  runtime,
	}
}

type whitelistResponse struct {
	Whitelisted bool   `json:"whitelisted"`
	Error       string `json:"error,omitempty"`
}

// HandleWhitelistCheck reports whether the email may skip the CAPTCHA.
func (h *CaptchaHandler) HandleWhitelistCheck(w http.ResponseWriter, r *http.Request) {
	res, err := h.limiter.Check(r.Context(), "captcha-whitelist:"+ratelimit.KeyFromRequest(r), WhitelistLimit)
	if err != nil {
		log.Printf("api: whitelist rate limit check failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, whitelistResponse{Error: "internal error"})
		return
	}
	if !res.Allowed {
		ratelimit.WriteLimited(w, res.RetryAfter, whitelistResponse{Error: "Too many requests. Please try again later."})
		return
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Email) == "" {
		writeJSON(w, http.StatusBadRequest, whitelistResponse{Error: "email is required"})
		return
	}

	writeJSON(w, http.StatusOK, whitelistResponse{
		Whitelisted: whitelist.IsEmailWhitelisted(body.Email, h.runtime().WhitelistEmails),
	})
}

type verifyResponse struct {
	Success  bool     `json:"success"`
	Bypassed bool     `json:"bypassed,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// HandleVerify checks a CAPTCHA token. Whitelisted emails pass without one.
func (h *CaptchaHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime()

	var body struct {
		Token string `json:"token"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if body.Email != "" && whitelist.IsEmailWhitelisted(body.Email, rt.WhitelistEmails) {
		writeJSON(w, http.StatusOK, verifyResponse{Success: true, Bypassed: true})
		return
	}

	if rt.CaptchaSecretKey == "" {
		log.Printf("api: CAPTCHA_SECRET_KEY is not set")
		writeError(w, http.StatusInternalServerError, "captcha is not configured")
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	ip := ratelimit.KeyFromRequest(r)
	if ip == ratelimit.UnknownKey {
		ip = ""
	}
	result, err := h.verifier.Verify(r.Context(), rt.CaptchaSecretKey, body.Token, ip)
	if err != nil {
		log.Printf("api: captcha verification failed: %v", err)
		writeError(w, http.StatusInternalServerError, "captcha verification failed")
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{Success: result.Success, Errors: result.ErrorCodes})
}
