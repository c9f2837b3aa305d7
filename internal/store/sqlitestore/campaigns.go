package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"creativepipe/internal/campaign"
	"creativepipe/internal/sqliteutil"
	"creativepipe/internal/store"
)

// CreateCampaign inserts a prepared campaign. The ID is create-once.
func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	if c == nil {
		return fmt.Errorf("create campaign: nil campaign")
	}
	doc, err := encodeDoc(c)
	if err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO campaigns (id, status, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(id) DO NOTHING`,
		c.ID, string(c.Status), doc, sqliteutil.FormatTime(c.CreatedAt), sqliteutil.FormatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("campaign %s: %w", c.ID, store.ErrAlreadyExists)
	}
	return nil
}

// GetCampaign loads the full aggregate.
func (s *Store) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	var c campaign.Campaign
	if err := s.getDoc(ctx, &c, `SELECT doc FROM campaigns WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return &c, nil
}

// ListCampaigns returns one page plus the total matching count.
func (s *Store) ListCampaigns(ctx context.Context, filter store.ListFilter) ([]*campaign.Campaign, int, error) {
	filter = filter.Normalize()
	where := ""
	args := []any{}
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}
	items, err := s.queryCampaigns(ctx,
		`SELECT doc FROM campaigns`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, filter.PageSize, filter.Offset())...,
	)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListStalled returns processing campaigns with dead letters or no write since cutoff.
func (s *Store) ListStalled(ctx context.Context, cutoff time.Time) ([]*campaign.Campaign, error) {
	return s.queryCampaigns(ctx,
		`SELECT doc FROM campaigns
         WHERE status = ? AND (updated_at < ? OR json_array_length(doc, '$.dead_letters') > 0)
         ORDER BY updated_at`,
		string(campaign.StatusProcessing), sqliteutil.FormatTime(cutoff),
	)
}

func (s *Store) queryCampaigns(ctx context.Context, query string, args ...any) ([]*campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		var c campaign.Campaign
		if err := decodeInto(doc, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SetOutputSlot patches outputs[locale][ratio] in place.
func (s *Store) SetOutputSlot(ctx context.Context, id, locale, ratio string, slot campaign.OutputSlot) error {
	value, err := encodeDoc(slot)
	if err != nil {
		return err
	}
	localePath := "$.outputs." + jsonKey(locale)
	now := s.now()
	res, err := s.execWithRetry(ctx,
		`UPDATE campaigns SET
             doc = json_set(doc,
                 ?, json(COALESCE(json_extract(doc, ?), '{}')),
                 ?, json(?),
                 '$.updated_at', ?),
             updated_at = ?
         WHERE id = ?`,
		localePath, localePath,
		localePath+"."+jsonKey(ratio), value,
		jsonTime(now),
		sqliteutil.FormatTime(now),
		id,
	)
	if err != nil {
		return fmt.Errorf("set output slot: %w", err)
	}
	return requireAffected(res, id)
}

// MarkCompleted transitions PROCESSING to COMPLETED.
func (s *Store) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	now := s.now()
	res, err := s.execWithRetry(ctx,
		`UPDATE campaigns SET
             status = ?,
             doc = json_set(doc, '$.status', ?, '$.completed_at', ?, '$.updated_at', ?),
             updated_at = ?
         WHERE id = ? AND status = ?`,
		string(campaign.StatusCompleted), string(campaign.StatusCompleted), jsonTime(at), jsonTime(now),
		sqliteutil.FormatTime(now), id, string(campaign.StatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return s.transitioned(ctx, res, id)
}

// MarkFailed transitions PROCESSING to FAILED with a reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE campaigns SET
             status = ?,
             doc = json_set(doc, '$.status', ?, '$.failure_reason', ?, '$.updated_at', ?),
             updated_at = ?
         WHERE id = ? AND status = ?`,
		string(campaign.StatusFailed), string(campaign.StatusFailed), reason, jsonTime(at),
		sqliteutil.FormatTime(at), id, string(campaign.StatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return s.transitioned(ctx, res, id)
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
	encoded, err := encodeDoc(value)
	if err != nil {
		return err
	}
	path := "$." + field
	now := s.now()
	query := `UPDATE campaigns SET
             doc = json_set(doc,
                 ?, json_insert(json(COALESCE(json_extract(doc, ?), '[]')), '$[#]', json(?)),
                 '$.updated_at', ?),
             updated_at = ?
         WHERE id = ?`
	args := []any{path, path, encoded, jsonTime(now), sqliteutil.FormatTime(now), id}
	if idValue != "" {
		query += ` AND NOT EXISTS (
             SELECT 1 FROM json_each(campaigns.doc, ?) WHERE json_extract(value, ?) = ?)`
		args = append(args, path, "$."+idField, idValue)
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("append %s: %w", field, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append %s: %w", field, err)
	}
	if affected > 0 {
		return nil
	}
	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func requireAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) transitioned(ctx context.Context, res sql.Result, id string) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	exists, err := s.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return false, nil
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM campaigns WHERE id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("check campaign: %w", err)
	}
	return count > 0, nil
}

// jsonKey quotes an object key for a JSON path.
func jsonKey(key string) string {
	return `"` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}
