package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/vnmchuo/deep-search/internal/auth"
	"github.com/vnmchuo/deep-search/internal/credits"
)

type Reserver interface {
	Reserve(ctx context.Context, userID string, mode credits.Mode) credits.Outcome
}

type CreditsHandler struct {
	reserver Reserver
}

func NewCreditsHandler(reserver Reserver) *CreditsHandler {
	return &CreditsHandler{reserver: reserver}
}

type allowedResponse struct {
	Allowed               bool   `json:"allowed"`
	ReservationID         string `json:"reservationId"`
	MaxCredits            int    `json:"maxCredits"`
	RemainingAfterReserve int    `json:"remainingAfterReserve"`
}

type deniedResponse struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason"`
	CreditsNeeded    int    `json:"creditsNeeded"`
	CreditsAvailable int    `json:"creditsAvailable"`
}

// reserve applies the fail-open policy shared by every caller of the
// reservation protocol.
func reserve(ctx context.Context, r Reserver, userID string, mode credits.Mode) credits.Outcome {
	out := r.Reserve(ctx, userID, mode)
	if out.Kind == credits.PolicyError {
		log.Printf("api: credit reservation failed for mode %s, allowing: %v", mode, out.Err)
		out = out.FailOpen(mode.MaxCredits())
	}
	return out
}

// outcomeResponse renders the same shape whichever remote version answered.
func outcomeResponse(out credits.Outcome) (int, any) {
	if out.Kind == credits.Allowed {
		return http.StatusOK, allowedResponse{
			Allowed:               true,
			ReservationID:         out.ReservationID,
			MaxCredits:            out.MaxCredits,
			RemainingAfterReserve: out.RemainingAfterReserve,
		}
	}

	resp := deniedResponse{
		Reason:           out.Reason,
		CreditsNeeded:    out.CreditsNeeded,
		CreditsAvailable: out.CreditsAvailable,
	}
	if out.Reason == credits.ReasonRateLimited {
		return http.StatusTooManyRequests, resp
	}
	return http.StatusPaymentRequired, resp
}

// HandleCheck reserves credits for one operation in the requested mode.
func (h *CreditsHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, err := credits.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "mode must be one of web, pro, brainstorm")
		return
	}

	out := reserve(r.Context(), h.reserver, auth.GetUserID(r.Context()), mode)
	status, resp := outcomeResponse(out)
	writeJSON(w, status, resp)
}
