// Package mongostore implements store.Store on MongoDB.
//
// Campaign mutations are single-document updates with $set on dotted paths
// and $push guarded by the filter, so concurrent stages patch disjoint fields
// of the same aggregate without a read-modify-write cycle.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"creativepipe/internal/campaign"
	"creativepipe/internal/store"
)

const (
	colCampaigns     = "campaigns"
	colContextPacks  = "context_packs"
	colCreatives     = "creatives"
	colImages        = "images"
	colBrandedImages = "branded_images"
	colClaims        = "claims"
)

// Store persists campaigns and artifacts in one MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to uri, verifies the connection, and ensures indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo connection url is empty")
	}
	clientOptions := options.Client().ApplyURI(uri).
		SetMaxPoolSize(50).
		SetConnectTimeout(5 * time.Second).
		SetSocketTimeout(30 * time.Second)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{client: client, db: client.Database(database), now: time.Now}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes the database. Tests use it to clean up.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	localeKey := bson.D{{Key: "campaign_id", Value: 1}, {Key: "locale", Value: 1}}
	slotKey := bson.D{{Key: "campaign_id", Value: 1}, {Key: "locale", Value: 1}, {Key: "aspect_ratio", Value: 1}}
	indexes := []struct {
		collection string
		model      mongo.IndexModel
	}{
		{colCampaigns, mongo.IndexModel{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
			Options: options.Index().SetName("campaign_status_updated"),
		}},
		{colCampaigns, mongo.IndexModel{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("campaign_created"),
		}},
		{colContextPacks, mongo.IndexModel{Keys: localeKey, Options: options.Index().SetName("context_pack_key").SetUnique(true)}},
		{colCreatives, mongo.IndexModel{Keys: localeKey, Options: options.Index().SetName("creative_key").SetUnique(true)}},
		{colImages, mongo.IndexModel{Keys: slotKey, Options: options.Index().SetName("image_key").SetUnique(true)}},
		{colBrandedImages, mongo.IndexModel{Keys: slotKey, Options: options.Index().SetName("branded_image_key").SetUnique(true)}},
	}
	for _, idx := range indexes {
		if _, err := s.db.Collection(idx.collection).Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.collection, err)
		}
	}
	return nil
}

func (s *Store) campaigns() *mongo.Collection { return s.db.Collection(colCampaigns) }

// CreateCampaign inserts a prepared campaign. The ID is create-once.
func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	if c == nil {
		return fmt.Errorf("create campaign: nil campaign")
	}
	if _, err := s.campaigns().InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("campaign %s: %w", c.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetCampaign loads the full aggregate.
func (s *Store) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	var c campaign.Campaign
	if err := s.campaigns().FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, translate(err))
	}
	return &c, nil
}

// ListCampaigns returns one page plus the total matching count.
func (s *Store) ListCampaigns(ctx context.Context, filter store.ListFilter) ([]*campaign.Campaign, int, error) {
	filter = filter.Normalize()
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	total, err := s.campaigns().CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(filter.Offset())).
		SetLimit(int64(filter.PageSize))
	items, err := s.findCampaigns(ctx, query, opts)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

// ListStalled returns processing campaigns with dead letters or no write since cutoff.
func (s *Store) ListStalled(ctx context.Context, cutoff time.Time) ([]*campaign.Campaign, error) {
	query := bson.M{
		"status": campaign.StatusProcessing,
		"$or": bson.A{
			bson.M{"updated_at": bson.M{"$lt": cutoff.UTC()}},
			bson.M{"dead_letters.0": bson.M{"$exists": true}},
		},
	}
	return s.findCampaigns(ctx, query, options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}))
}

func (s *Store) findCampaigns(ctx context.Context, query bson.M, opts *options.FindOptions) ([]*campaign.Campaign, error) {
	cursor, err := s.campaigns().Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find campaigns: %w", err)
	}
	var out []*campaign.Campaign
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode campaigns: %w", err)
	}
	return out, nil
}

// SetOutputSlot sets outputs.<locale>.<ratio>.
func (s *Store) SetOutputSlot(ctx context.Context, id, locale, ratio string, slot campaign.OutputSlot) error {
	res, err := s.campaigns().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"outputs." + locale + "." + ratio: slot,
		"updated_at":                      s.now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("set output slot: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// MarkCompleted transitions PROCESSING to COMPLETED.
func (s *Store) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx, id, bson.M{
		"status":       campaign.StatusCompleted,
		"completed_at": at.UTC(),
		"updated_at":   s.now().UTC(),
	})
}

// MarkFailed transitions PROCESSING to FAILED with a reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	return s.transition(ctx, id, bson.M{
		"status":         campaign.StatusFailed,
		"failure_reason": reason,
		"updated_at":     at.UTC(),
	})
}

func (s *Store) transition(ctx context.Context, id string, set bson.M) (bool, error) {
	res, err := s.campaigns().UpdateOne(ctx,
		bson.M{"_id": id, "status": campaign.StatusProcessing},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("transition campaign: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	if err := s.requireCampaign(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RecordDeadLetter appends a dead-letter record, once per event ID when one is set.
func (s *Store) RecordDeadLetter(ctx context.Context, id string, dl campaign.DeadLetter) error {
	return s.appendOnce(ctx, id, "dead_letters", "event_id", dl.EventID, dl)
}

// AddApproval appends an approval once per approval ID.
func (s *Store) AddApproval(ctx context.Context, id string, a campaign.Approval) error {
	return s.appendOnce(ctx, id, "approvals", "id", a.ID, a)
}

// AddRevision appends a revision request once per revision ID.
func (s *Store) AddRevision(ctx context.Context, id string, r campaign.Revision) error {
	return s.appendOnce(ctx, id, "revisions", "id", r.ID, r)
}

func (s *Store) appendOnce(ctx context.Context, id, field, idField, idValue string, value any) error {
	filter := bson.M{"_id": id}
	if idValue != "" {
		filter[field+"."+idField] = bson.M{"$ne": idValue}
	}
	res, err := s.campaigns().UpdateOne(ctx, filter, bson.M{
		"$push": bson.M{field: value},
		"$set":  bson.M{"updated_at": s.now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", field, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	return s.requireCampaign(ctx, id)
}

func (s *Store) requireCampaign(ctx context.Context, id string) error {
	count, err := s.campaigns().CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("check campaign: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}
