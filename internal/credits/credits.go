// Package credits reserves and settles search credits against the database.
//
// The database exposes the reservation logic as SQL functions whose names and
// shapes have changed over time. Reserver walks the known versions newest
// first and returns the same Outcome whichever one answered.
package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Mode string

const (
	ModeWeb        Mode = "web"
	ModePro        Mode = "pro"
	ModeBrainstorm Mode = "brainstorm"
)

var modeCredits = map[Mode]int{
	ModeWeb:        1,
	ModePro:        5,
	ModeBrainstorm: 2,
}

var (
	ErrUnknownMode = errors.New("unknown mode")
	// ErrFunctionNotFound is wrapped by RPC implementations when the remote
	// function does not exist.
	ErrFunctionNotFound = errors.New("remote function not found")
	// ErrNoReservationFunction means no known reservation function exists.
	ErrNoReservationFunction = errors.New("no credit reservation function available")
)

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modeCredits[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

// MaxCredits is the most a single operation in this mode may cost.
func (m Mode) MaxCredits() int {
	return modeCredits[m]
}

// RPC calls a remote function with named arguments and returns its JSON result.
type RPC interface {
	Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error)
}

type OutcomeKind int

const (
	Allowed OutcomeKind = iota
	Denied
	PolicyError
)

func (k OutcomeKind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "policy_error"
	}
}

// ReasonRateLimited is the denial reason for the security request cap.
const ReasonRateLimited = "rate_limited"

const reasonInsufficientCredits = "insufficient_credits"

// Outcome is the result of a reservation attempt. Which fields are set
// depends on Kind.
type Outcome struct {
	Kind OutcomeKind

	// Allowed
	ReservationID         string
	MaxCredits            int
	RemainingAfterReserve int

	// Denied
	Reason           string
	CreditsNeeded    int
	CreditsAvailable int

	// PolicyError
	Err error

	// Version names the remote function that answered.
	Version string
}

// FailOpen converts a PolicyError into an Allowed outcome with no
// reservation. Other outcomes are returned unchanged.
func (o Outcome) FailOpen(maxCredits int) Outcome {
	if o.Kind != PolicyError {
		return o
	}
	return Outcome{Kind: Allowed, MaxCredits: maxCredits, Version: o.Version}
}

// IsFunctionNotFound reports whether err means the remote function is missing.
func IsFunctionNotFound(err error) bool {
	if errors.Is(err, ErrFunctionNotFound) {
		return true
	}
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		switch coded.SQLState() {
		case "42883", "PGRST202":
			return true
		}
	}
	return false
}
