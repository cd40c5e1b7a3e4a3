package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vnmchuo/deep-search/internal/billing"
)

func TestEnqueue_QueueFull(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Enqueue(context.Background(), &Job{ID: "1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(context.Background(), &Job{ID: "2"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 queued job, got %d", q.Len())
	}
}

func TestEnqueue_SetsPending(t *testing.T) {
	q := NewMemoryQueue(1)
	job := &Job{ID: "1"}
	q.Enqueue(context.Background(), job)
	if job.Status != JobStatusPending || job.CreatedAt.IsZero() {
		t.Errorf("Expected pending job with timestamp, got %+v", job)
	}
}

func TestProcess_RunsJobsUntilCancelled(t *testing.T) {
	q := NewMemoryQueue(4)
	ok := &Job{ID: "ok"}
	bad := &Job{ID: "bad"}
	q.Enqueue(context.Background(), ok)
	q.Enqueue(context.Background(), bad)

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan string, 2)
	errc := make(chan error, 1)
	go func() {
		errc <- q.Process(ctx, func(ctx context.Context, job *Job) error {
			seen <- job.ID
			if job.ID == "bad" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if ok.Status != JobStatusDone {
		t.Errorf("Expected done, got %s", ok.Status)
	}
	if bad.Status != JobStatusFailed {
		t.Errorf("Expected failed, got %s", bad.Status)
	}
}

type mockFinalizer struct {
	reservationID string
	credits       int
	err           error
}

func (m *mockFinalizer) Finalize(ctx context.Context, reservationID string, actualCredits int) error {
	m.reservationID = reservationID
	m.credits = actualCredits
	return m.err
}

type mockBillingStore struct {
	logged *billing.UsageLog
	err    error
}

func (m *mockBillingStore) LogUsage(ctx context.Context, log *billing.UsageLog) error {
	m.logged = log
	return m.err
}

func (m *mockBillingStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*billing.UsageLog, error) {
	return nil, nil
}

func (m *mockBillingStore) GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	return 0, nil
}

func (m *mockBillingStore) GrantCredits(ctx context.Context, userID string, credits int) (int, error) {
	return credits, nil
}

func TestSettler_FinalizesAndLogs(t *testing.T) {
	f := &mockFinalizer{}
	b := &mockBillingStore{}
	s := NewSettler(f, b)

	err := s.Handle(context.Background(), &Job{
		ReservationID: "res-1",
		ActualCredits: 5,
		Usage:         &billing.UsageLog{UserID: "u1", Provider: "deepseek", Model: "deepseek-chat", CostUSD: 0.001},
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if f.reservationID != "res-1" || f.credits != 5 {
		t.Errorf("unexpected finalize call %+v", f)
	}
	if b.logged == nil || b.logged.CreditsCharged != 5 {
		t.Errorf("Expected usage logged with credits, got %+v", b.logged)
	}
}

func TestSettler_LogsEvenWhenFinalizeFails(t *testing.T) {
	f := &mockFinalizer{err: errors.New("db down")}
	b := &mockBillingStore{}

	err := NewSettler(f, b).Handle(context.Background(), &Job{ReservationID: "r", Usage: &billing.UsageLog{}})
	if err == nil {
		t.Error("Expected error from finalize")
	}
	if b.logged == nil {
		t.Error("Expected usage logged despite finalize failure")
	}
}
