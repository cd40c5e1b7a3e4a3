// Package seeder provisions a development user with credits.
package seeder

import (
	"context"
	"log"

	"github.com/vnmchuo/deep-search/internal/billing"
)

const (
	DevUserID  = "00000000-0000-0000-0000-000000000001"
	DevCredits = 1000
)

func SeedDevCredits(ctx context.Context, store billing.Store) {
	balance, err := store.GrantCredits(ctx, DevUserID, DevCredits)
	if err != nil {
		log.Printf("[Seeder] failed to grant dev credits, skipping: %v", err)
		return
	}
	log.Printf("[Seeder] Dev credits granted")
	log.Printf("[Seeder] UserID: %s", DevUserID)
	log.Printf("[Seeder] Balance: %d", balance)
}
