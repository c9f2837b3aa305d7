package sqlitestore

import (
	"context"
	"fmt"

	"creativepipe/internal/campaign"
	"creativepipe/internal/sqliteutil"
)

// UpsertContextPack replaces the pack for (campaign, locale).
func (s *Store) UpsertContextPack(ctx context.Context, pack campaign.ContextPack) error {
	return s.upsertLocaleDoc(ctx, "context_packs", pack.CampaignID, pack.Locale, pack)
}

// GetContextPack loads the pack for (campaign, locale).
func (s *Store) GetContextPack(ctx context.Context, campaignID, locale string) (*campaign.ContextPack, error) {
	var pack campaign.ContextPack
	if err := s.getDoc(ctx, &pack,
		`SELECT doc FROM context_packs WHERE campaign_id = ? AND locale = ?`, campaignID, locale,
	); err != nil {
		return nil, fmt.Errorf("get context pack %s/%s: %w", campaignID, locale, err)
	}
	return &pack, nil
}

// UpsertCreative replaces the creative for (campaign, locale).
func (s *Store) UpsertCreative(ctx context.Context, creative campaign.Creative) error {
	return s.upsertLocaleDoc(ctx, "creatives", creative.CampaignID, creative.Locale, creative)
}

// GetCreative loads the creative for (campaign, locale).
func (s *Store) GetCreative(ctx context.Context, campaignID, locale string) (*campaign.Creative, error) {
	var creative campaign.Creative
	if err := s.getDoc(ctx, &creative,
		`SELECT doc FROM creatives WHERE campaign_id = ? AND locale = ?`, campaignID, locale,
	); err != nil {
		return nil, fmt.Errorf("get creative %s/%s: %w", campaignID, locale, err)
	}
	return &creative, nil
}

// UpsertImage replaces the generated image for (campaign, locale, ratio).
func (s *Store) UpsertImage(ctx context.Context, img campaign.Image) error {
	return s.upsertSlotDoc(ctx, "images", img.CampaignID, img.Locale, img.AspectRatio, img)
}

// GetImage loads the generated image for (campaign, locale, ratio).
func (s *Store) GetImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.Image, error) {
	var img campaign.Image
	if err := s.getDoc(ctx, &img,
		`SELECT doc FROM images WHERE campaign_id = ? AND locale = ? AND aspect_ratio = ?`, campaignID, locale, ratio,
	); err != nil {
		return nil, fmt.Errorf("get image %s/%s/%s: %w", campaignID, locale, ratio, err)
	}
	return &img, nil
}

// UpsertBrandedImage replaces the branded image for (campaign, locale, ratio).
func (s *Store) UpsertBrandedImage(ctx context.Context, img campaign.BrandedImage) error {
	return s.upsertSlotDoc(ctx, "branded_images", img.CampaignID, img.Locale, img.AspectRatio, img)
}

// GetBrandedImage loads the branded image for (campaign, locale, ratio).
func (s *Store) GetBrandedImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.BrandedImage, error) {
	var img campaign.BrandedImage
	if err := s.getDoc(ctx, &img,
		`SELECT doc FROM branded_images WHERE campaign_id = ? AND locale = ? AND aspect_ratio = ?`, campaignID, locale, ratio,
	); err != nil {
		return nil, fmt.Errorf("get branded image %s/%s/%s: %w", campaignID, locale, ratio, err)
	}
	return &img, nil
}

// table is always one of the package's own constants.
func (s *Store) upsertLocaleDoc(ctx context.Context, table, campaignID, locale string, value any) error {
	doc, err := encodeDoc(value)
	if err != nil {
		return err
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO `+table+` (campaign_id, locale, doc, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(campaign_id, locale) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		campaignID, locale, doc, sqliteutil.FormatTime(s.now()),
	); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s *Store) upsertSlotDoc(ctx context.Context, table, campaignID, locale, ratio string, value any) error {
	doc, err := encodeDoc(value)
	if err != nil {
		return err
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO `+table+` (campaign_id, locale, aspect_ratio, doc, updated_at) VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(campaign_id, locale, aspect_ratio) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		campaignID, locale, ratio, doc, sqliteutil.FormatTime(s.now()),
	); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}
