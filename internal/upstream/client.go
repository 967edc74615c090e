package upstream

import (
	"context"
	"time"

	"github.com/jgoulah/dompoller/pkg/models"
)

// Client is the contract the coordinator depends on. Transport details live
// behind it; the HTTP implementation is DominionClient.
type Client interface {
	// FetchIntervals retrieves half-hour interval readings for the inclusive
	// date range [start, end].
	FetchIntervals(ctx context.Context, account, meter string, start, end time.Time) ([]models.IntervalReading, error)

	// FetchBillingPeriods retrieves the current and last billing periods for
	// the account.
	FetchBillingPeriods(ctx context.Context, account string) (*models.BillingSummary, error)

	// RefreshTokens exchanges the refresh token for a new credential pair.
	// Returns an *AuthError when the refresh token itself is no longer valid.
	RefreshTokens(ctx context.Context) (models.Credentials, error)
}

// TokenUpdateFunc is invoked whenever the client rotates its credential pair,
// so the new tokens can be persisted for the next process restart
type TokenUpdateFunc func(creds models.Credentials)
