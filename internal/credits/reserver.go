package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/vnmchuo/deep-search/internal/metrics"
)

type callStatus int

const (
	callOK callStatus = iota
	callNotFound
	callFailed
)

type callResult struct {
	status  callStatus
	outcome Outcome
	err     error
}

// candidate is one version of the remote reservation interface.
type candidate struct {
	fn     string
	args   func(userID string, credits int) map[string]any
	decode func(raw json.RawMessage, credits int) (Outcome, error)
}

// reserveCandidates is ordered newest first.
var reserveCandidates = []candidate{
	{
		fn: "reserve_credits",
		args: func(userID string, credits int) map[string]any {
			return map[string]any{"p_user_id": userID, "p_max_credits": credits}
		},
		decode: decodeReserve,
	},
	{
		fn: "check_and_authorize_credits",
		args: func(userID string, credits int) map[string]any {
			return map[string]any{"p_user_id": userID, "p_credits": credits}
		},
		decode: decodeAuthorize,
	},
	{
		fn: "check_and_use_credits",
		args: func(userID string, credits int) map[string]any {
			return map[string]any{"p_user_id": userID, "p_credits": credits}
		},
		decode: decodeUse,
	},
}

const finalizeFn = "finalize_credit_reservation"

type Reserver struct {
	rpc        RPC
	candidates []candidate
}

func NewReserver(rpc RPC) *Reserver {
	return &Reserver{rpc: rpc, candidates: reserveCandidates}
}

// Reserve asks the database to hold up to mode.MaxCredits() for userID.
// An empty userID is allowed without a reservation.
func (r *Reserver) Reserve(ctx context.Context, userID string, mode Mode) Outcome {
	credits := mode.MaxCredits()

	var out Outcome
	if userID == "" {
		out = Outcome{Kind: Allowed, MaxCredits: credits, Version: "anonymous"}
	} else {
		out = r.reserve(ctx, userID, credits)
	}

	version := out.Version
	if version == "" {
		version = "none"
	}
	metrics.CreditOutcomes.WithLabelValues(string(mode), out.Kind.String(), version).Inc()
	return out
}

func (r *Reserver) reserve(ctx context.Context, userID string, credits int) Outcome {
	for _, c := range r.candidates {
		res := r.try(ctx, c, userID, credits)
		switch res.status {
		case callOK:
			res.outcome.Version = c.fn
			return res.outcome
		case callNotFound:
			log.Printf("credits: %s not found, trying older function", c.fn)
			continue
		default:
			return Outcome{Kind: PolicyError, Err: res.err, Version: c.fn}
		}
	}
	return Outcome{Kind: PolicyError, Err: ErrNoReservationFunction}
}

func (r *Reserver) try(ctx context.Context, c candidate, userID string, credits int) callResult {
	raw, err := r.rpc.Call(ctx, c.fn, c.args(userID, credits))
	if err != nil {
		if IsFunctionNotFound(err) {
			return callResult{status: callNotFound, err: err}
		}
		return callResult{status: callFailed, err: fmt.Errorf("failed to call %s: %w", c.fn, err)}
	}

	out, err := c.decode(raw, credits)
	if err != nil {
		return callResult{status: callFailed, err: fmt.Errorf("failed to decode %s result: %w", c.fn, err)}
	}
	return callResult{status: callOK, outcome: out}
}

// Finalize charges actualCredits against the reservation and releases the
// rest. Backends without reservations charge on reserve, so a missing
// finalize function is not an error.
func (r *Reserver) Finalize(ctx context.Context, reservationID string, actualCredits int) error {
	if reservationID == "" {
		return nil
	}

	_, err := r.rpc.Call(ctx, finalizeFn, map[string]any{
		"p_reservation_id": reservationID,
		"p_actual_credits": actualCredits,
	})
	if err != nil {
		if IsFunctionNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to finalize reservation %s: %w", reservationID, err)
	}
	return nil
}

type reserveResult struct {
	Allowed               bool   `json:"allowed"`
	ReservationID         string `json:"reservation_id"`
	RemainingAfterReserve int    `json:"remaining_after_reserve"`
	Reason                string `json:"reason"`
	CreditsNeeded         int    `json:"credits_needed"`
	CreditsAvailable      int    `json:"credits_available"`
}

func decodeReserve(raw json.RawMessage, credits int) (Outcome, error) {
	var res reserveResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Outcome{}, err
	}
	if !res.Allowed {
		return denied(res.Reason, res.CreditsNeeded, res.CreditsAvailable, credits), nil
	}
	return Outcome{
		Kind:                  Allowed,
		ReservationID:         res.ReservationID,
		MaxCredits:            credits,
		RemainingAfterReserve: res.RemainingAfterReserve,
	}, nil
}

type authorizeResult struct {
	Allowed          bool   `json:"allowed"`
	Remaining        int    `json:"remaining"`
	Reason           string `json:"reason"`
	CreditsNeeded    int    `json:"credits_needed"`
	CreditsAvailable int    `json:"credits_available"`
}

func decodeAuthorize(raw json.RawMessage, credits int) (Outcome, error) {
	var res authorizeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Outcome{}, err
	}
	if !res.Allowed {
		return denied(res.Reason, res.CreditsNeeded, res.CreditsAvailable, credits), nil
	}
	return Outcome{Kind: Allowed, MaxCredits: credits, RemainingAfterReserve: res.Remaining}, nil
}

type useResult struct {
	Success          bool   `json:"success"`
	RemainingCredits int    `json:"remaining_credits"`
	Error            string `json:"error"`
}

func decodeUse(raw json.RawMessage, credits int) (Outcome, error) {
	var res useResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Outcome{}, err
	}
	if !res.Success {
		return denied(res.Error, credits, res.RemainingCredits, credits), nil
	}
	return Outcome{Kind: Allowed, MaxCredits: credits, RemainingAfterReserve: res.RemainingCredits}, nil
}

func denied(reason string, needed, available, credits int) Outcome {
	if reason == "" {
		reason = reasonInsufficientCredits
	}
	if needed == 0 {
		needed = credits
	}
	return Outcome{Kind: Denied, Reason: reason, CreditsNeeded: needed, CreditsAvailable: available}
}
