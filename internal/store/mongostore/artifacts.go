package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"creativepipe/internal/campaign"
)

func localeKey(campaignID, locale string) bson.M {
	return bson.M{"campaign_id": campaignID, "locale": locale}
}

func slotKey(campaignID, locale, ratio string) bson.M {
	return bson.M{"campaign_id": campaignID, "locale": locale, "aspect_ratio": ratio}
}

func (s *Store) replace(ctx context.Context, collection string, filter bson.M, doc any) error {
	_, err := s.db.Collection(collection).ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

func (s *Store) findOne(ctx context.Context, collection string, filter bson.M, dest any) error {
	opts := options.FindOne().SetProjection(bson.M{"_id": 0})
	return translate(s.db.Collection(collection).FindOne(ctx, filter, opts).Decode(dest))
}

// UpsertContextPack replaces the pack for (campaign, locale).
func (s *Store) UpsertContextPack(ctx context.Context, pack campaign.ContextPack) error {
	return s.replace(ctx, colContextPacks, localeKey(pack.CampaignID, pack.Locale), pack)
}

// GetContextPack loads the pack for (campaign, locale).
func (s *Store) GetContextPack(ctx context.Context, campaignID, locale string) (*campaign.ContextPack, error) {
	var pack campaign.ContextPack
	if err := s.findOne(ctx, colContextPacks, localeKey(campaignID, locale), &pack); err != nil {
		return nil, fmt.Errorf("get context pack %s/%s: %w", campaignID, locale, err)
	}
	return &pack, nil
}

// UpsertCreative replaces the creative for (campaign, locale).
func (s *Store) UpsertCreative(ctx context.Context, creative campaign.Creative) error {
	return s.replace(ctx, colCreatives, localeKey(creative.CampaignID, creative.Locale), creative)
}

// GetCreative loads the creative for (campaign, locale).
func (s *Store) GetCreative(ctx context.Context, campaignID, locale string) (*campaign.Creative, error) {
	var creative campaign.Creative
	if err := s.findOne(ctx, colCreatives, localeKey(campaignID, locale), &creative); err != nil {
		return nil, fmt.Errorf("get creative %s/%s: %w", campaignID, locale, err)
	}
	return &creative, nil
}

// UpsertImage replaces the generated image for (campaign, locale, ratio).
func (s *Store) UpsertImage(ctx context.Context, img campaign.Image) error {
	return s.replace(ctx, colImages, slotKey(img.CampaignID, img.Locale, img.AspectRatio), img)
}

// GetImage loads the generated image for (campaign, locale, ratio).
func (s *Store) GetImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.Image, error) {
	var img campaign.Image
	if err := s.findOne(ctx, colImages, slotKey(campaignID, locale, ratio), &img); err != nil {
		return nil, fmt.Errorf("get image %s/%s/%s: %w", campaignID, locale, ratio, err)
	}
	return &img, nil
}

// UpsertBrandedImage replaces the branded image for (campaign, locale, ratio).
func (s *Store) UpsertBrandedImage(ctx context.Context, img campaign.BrandedImage) error {
	return s.replace(ctx, colBrandedImages, slotKey(img.CampaignID, img.Locale, img.AspectRatio), img)
}

// GetBrandedImage loads the branded image for (campaign, locale, ratio).
func (s *Store) GetBrandedImage(ctx context.Context, campaignID, locale, ratio string) (*campaign.BrandedImage, error) {
	var img campaign.BrandedImage
	if err := s.findOne(ctx, colBrandedImages, slotKey(campaignID, locale, ratio), &img); err != nil {
		return nil, fmt.Errorf("get branded image %s/%s/%s: %w", campaignID, locale, ratio, err)
	}
	return &img, nil
}

// AcquireClaim takes the lease on key. A concurrent holder makes the upsert
// collide on _id, which reads as "not acquired".
func (s *Store) AcquireClaim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	filter := bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$lte": now}},
			bson.M{"owner": owner},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl)}}
	_, err := s.db.Collection(colClaims).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire claim %s: %w", key, err)
	}
	return true, nil
}

// ReleaseClaim drops the lease if owner still holds it.
func (s *Store) ReleaseClaim(ctx context.Context, key, owner string) error {
	if _, err := s.db.Collection(colClaims).DeleteOne(ctx, bson.M{"_id": key, "owner": owner}); err != nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}
