package store

import (
	"context"
	"errors"
	"time"

	"creativepipe/internal/campaign"
)

var (
	// ErrNotFound is returned when a campaign or artifact does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a campaign whose ID is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// DefaultPageSize and MaxPageSize bound campaign listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListFilter selects a page of campaigns, newest first.
type ListFilter struct {
	Status   campaign.Status
	Page     int
	PageSize int
}

// Normalize clamps the page bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Offset returns the number of rows skipped before the page.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Campaigns persists the campaign aggregate. Every mutation after creation is
// a narrow partial update so concurrent stages never overwrite each other.
type Campaigns interface {
	CreateCampaign(ctx context.Context, c *campaign.Campaign) error
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	ListCampaigns(ctx context.Context, filter ListFilter) ([]*campaign.Campaign, int, error)
	// SetOutputSlot writes outputs[locale][ratio]. Rewriting a slot with the
	// same value is a no-op in effect.
	SetOutputSlot(ctx context.Context, id, locale, ratio string, slot campaign.OutputSlot) error
	// MarkCompleted moves PROCESSING to COMPLETED and reports whether this
	// call made the transition. COMPLETED and FAILED campaigns are left alone.
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkFailed moves PROCESSING to FAILED and reports whether this call made
	// the transition.
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
	RecordDeadLetter(ctx context.Context, id string, dl campaign.DeadLetter) error
	// AddApproval and AddRevision append once per ID.
	AddApproval(ctx context.Context, id string, a campaign.Approval) error
	AddRevision(ctx context.Context, id string, r campaign.Revision) error
	// ListStalled returns PROCESSING campaigns with dead letters or no update since cutoff.
	ListStalled(ctx context.Context, cutoff time.Time) ([]*campaign.Campaign, error)
}

// Artifacts persists per-stage side entities. Upserts replace the whole
// document at its natural key.
type Artifacts interface {
	UpsertContextPack(ctx context.Context, pack campaign.ContextPack) error
	GetContextPack(ctx context.Context, campaignID, locale string) (*campaign.ContextPack, error)
	UpsertCreative(ctx context.Context, creative campaign.Creative) error
	GetCreative(ctx context.Context, campaignID, locale string) (*campaign.Creative, error)
	UpsertImage(ctx context.Context, img campaign.Image) error
	GetImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.Image, error)
	UpsertBrandedImage(ctx context.Context, img campaign.BrandedImage) error
	GetBrandedImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.BrandedImage, error)
}

// Claims is a lease table. AcquireClaim succeeds when key is free, expired, or
// already held by owner.
type Claims interface {
	AcquireClaim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, key, owner string) error
}

// Store is the full state-store contract implemented by each backend.
type Store interface {
	Campaigns
	Artifacts
	Claims
	Close() error
}
