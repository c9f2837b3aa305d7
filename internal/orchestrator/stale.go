package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"creativepipe/internal/campaign"
	"creativepipe/internal/logging"
	"creativepipe/internal/notifications"
)

// StalledLister lists PROCESSING campaigns that look stuck.
type StalledLister interface {
	ListStalled(ctx context.Context, cutoff time.Time) ([]*campaign.Campaign, error)
}

// StaleScanner alerts once per stall per process. A campaign that recovers or
// leaves PROCESSING is forgotten, so a later stall alerts again.
type StaleScanner struct {
	store    StalledLister
	notifier notifications.Service
	logger   *zap.Logger
	after    time.Duration
	interval time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	alerted map[string]struct{}
}

// NewStaleScanner builds a scanner that treats campaigns idle for longer than
// after as stalled and checks every interval.
func NewStaleScanner(st StalledLister, notifier notifications.Service, logger *zap.Logger, after, interval time.Duration) *StaleScanner {
	if notifier == nil {
		notifier = notifications.Noop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleScanner{
		store:    st,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "stale-scanner"),
		after:    after,
		interval: interval,
		clock:    time.Now,
		alerted:  map[string]struct{}{},
	}
}

// Run scans until ctx is cancelled.
func (s *StaleScanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("stale scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan runs one pass and returns the IDs alerted for the first time.
func (s *StaleScanner) Scan(ctx context.Context) ([]string, error) {
	now := s.clock()
	stalled, err := s.store.ListStalled(ctx, now.Add(-s.after))
	if err != nil {
		return nil, err
	}
	var fresh []string
	current := make(map[string]struct{}, len(stalled))
	for _, c := range stalled {
		if !c.Stalled(now, s.after) {
			continue
		}
		current[c.ID] = struct{}{}
		s.mu.Lock()
		_, seen := s.alerted[c.ID]
		s.alerted[c.ID] = struct{}{}
		s.mu.Unlock()
		if seen {
			continue
		}
		fresh = append(fresh, c.ID)
		logging.WarnWithContext(s.logger, "campaign stalled", "campaign_stalled",
			zap.String(logging.FieldCampaignID, c.ID),
			zap.Time("last_updated", c.UpdatedAt),
			zap.Int("dead_letters", len(c.DeadLetters)),
			logging.Alert("campaign_stalled"),
			logging.ErrorHint("inspect dead letters with `creativepipe deadletters list`"),
			zap.String(logging.FieldImpact, "campaign will not complete without intervention"),
		)
		if err := s.notifier.Publish(ctx, notifications.EventCampaignStalled, notifications.Payload{
			"campaign_id":  c.ID,
			"last_updated": c.UpdatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			s.logger.Debug("stalled notification failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	for id := range s.alerted {
		if _, ok := current[id]; !ok {
			delete(s.alerted, id)
		}
	}
	s.mu.Unlock()
	return fresh, nil
}

// Tracked reports how many campaigns are currently remembered as alerted.
func (s *StaleScanner) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerted)
}
