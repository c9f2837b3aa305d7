package overlay

import (
	"context"
	"time"

	"creativepipe/internal/campaign"
)

// CompletionStore is the campaign access completion detection needs.
type CompletionStore interface {
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)
}

// Detect re-reads campaign id and marks it COMPLETED when every slot is
// filled. It reports whether this call made the transition; a campaign that
// is incomplete, already COMPLETED, or FAILED yields false.
func Detect(ctx context.Context, st CompletionStore, id string, clock func() time.Time) (bool, error) {
	if clock == nil {
		clock = time.Now
	}
	c, err := st.GetCampaign(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != campaign.StatusProcessing || !c.IsComplete() {
		return false, nil
	}
	return st.MarkCompleted(ctx, id, clock().UTC())
}
