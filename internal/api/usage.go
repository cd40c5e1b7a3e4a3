package api

import (
	"net/http"
	"time"

	"github.com/vnmchuo/deep-search/internal/auth"
	"github.com/vnmchuo/deep-search/internal/pricing"
)

func (h *SearchHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "'to' must not be before 'from'")
		return
	}

	logs, err := h.billing.GetUsageByUser(ctx, userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	totalCost, err := h.billing.GetTotalCostByUser(ctx, userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	totalCredits := 0
	for _, l := range logs {
		totalCredits += l.CreditsCharged
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        userID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"total_credits":  totalCredits,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

// HandlePricing lists provider prices per million tokens.
func HandlePricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": pricing.Providers()})
}
