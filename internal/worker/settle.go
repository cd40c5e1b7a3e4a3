package worker

import (
	"context"
	"errors"
	"time"

	"github.com/vnmchuo/deep-search/internal/billing"
	"github.com/vnmchuo/deep-search/internal/metrics"
)

const defaultSettleTimeout = 10 * time.Second

type Finalizer interface {
	Finalize(ctx context.Context, reservationID string, actualCredits int) error
}

// Settler finalizes the credit reservation of a finished search and records
// its usage. Both steps run even when one fails.
type Settler struct {
	finalizer Finalizer
	billing   billing.Store
	timeout   time.Duration
}

func NewSettler(finalizer Finalizer, store billing.Store) *Settler {
	return &Settler{finalizer: finalizer, billing: store, timeout: defaultSettleTimeout}
}

func (s *Settler) Handle(ctx context.Context, job *Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var errs []error
	if err := s.finalizer.Finalize(ctx, job.ReservationID, job.ActualCredits); err != nil {
		errs = append(errs, err)
	}

	if job.Usage != nil {
		job.Usage.CreditsCharged = job.ActualCredits
		if err := s.billing.LogUsage(ctx, job.Usage); err != nil {
			errs = append(errs, err)
		}
		metrics.SearchCost.WithLabelValues(job.Usage.Provider, job.Usage.Model).Add(job.Usage.CostUSD)
	}

	return errors.Join(errs...)
}
