package enrichment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/claim"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/metrics"
	"creativepipe/internal/services"
	"creativepipe/internal/services/llm"
	"creativepipe/internal/stage"
	"creativepipe/internal/store"
)

const stageName = events.StageEnrichment

// Store is the artifact access the enricher needs.
type Store interface {
	GetContextPack(ctx context.Context, campaignID, locale string) (*campaign.ContextPack, error)
	UpsertContextPack(ctx context.Context, pack campaign.ContextPack) error
}

// Completer is the LLM surface used for insight generation.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// Deps wires an Enricher.
type Deps struct {
	Store     Store
	LLM       Completer
	Publisher bus.Publisher
	Ledger    claim.Ledger
	Owner     string
	ClaimTTL  time.Duration
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Enricher handles ContextEnrichRequest deliveries.
type Enricher struct {
	store     Store
	llm       Completer
	publisher bus.Publisher
	ledger    claim.Ledger
	owner     string
	claimTTL  time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     func() time.Time
}

var _ stage.Handler[events.ContextEnrichRequest] = (*Enricher)(nil)

// New constructs an Enricher.
func New(deps Deps) *Enricher {
	e := &Enricher{
		store:     deps.Store,
		llm:       deps.LLM,
		publisher: deps.Publisher,
		ledger:    deps.Ledger,
		owner:     deps.Owner,
		claimTTL:  deps.ClaimTTL,
		metrics:   deps.Metrics,
		logger:    logging.NewComponentLogger(deps.Logger, "enrichment"),
		clock:     deps.Clock,
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.owner == "" {
		e.owner = claim.NewOwner()
	}
	return e
}

// Handle enriches one locale.
func (e *Enricher) Handle(ctx context.Context, in stage.Input[events.ContextEnrichRequest]) error {
	if e.store == nil || e.llm == nil || e.publisher == nil {
		return stage.Fatal(services.Wrap(services.ErrConfiguration, stageName, "handle", "enricher is not configured", nil))
	}
	env := in.Envelope
	logger := logging.WithContext(ctx, e.logger)

	pack, err := e.store.GetContextPack(ctx, env.CampaignID, env.Locale)
	switch {
	case err == nil:
		e.metrics.ClaimShortCircuit(stageName)
		logger.Info("context pack already stored; republishing", logging.EventType("claim_short_circuit"))
	case errors.Is(err, store.ErrNotFound):
		key := claim.Key(stageName, env.CampaignID, env.Locale)
		err = claim.Guard(ctx, e.ledger, key, in.Holder(e.owner), e.claimTTL, func(ctx context.Context) error {
			generated, genErr := e.generate(ctx, in)
			if genErr != nil {
				return genErr
			}
			if upErr := e.store.UpsertContextPack(ctx, generated); upErr != nil {
				return stage.PersistFailed(stageName, "context pack", upErr)
			}
			pack = &generated
			return nil
		})
		if err != nil {
			return err
		}
	default:
		return stage.MissingPrerequisite(stageName, "context pack", err)
	}

	if err := stage.Emit(ctx, e.publisher, stageName, events.TypeContextEnrichReady, env.Address(),
		events.ContextEnrichReady{ContextPack: *pack}, e.clock()); err != nil {
		return err
	}
	logger.Info("context enrichment complete",
		logging.EventType("stage_complete"),
		zap.String("tone", pack.Tone),
		zap.Int("dos", len(pack.Dos)),
		zap.Int("banned_words", len(pack.BannedWords)),
	)
	return nil
}

func (e *Enricher) generate(ctx context.Context, in stage.Input[events.ContextEnrichRequest]) (campaign.ContextPack, error) {
	env := in.Envelope
	now := e.clock()
	content, err := e.llm.CompleteJSON(ctx, SystemPrompt, BuildPrompt(env.Locale, in.Payload, now))
	if err != nil {
		e.metrics.ExternalCall(stageName, "error")
		return campaign.ContextPack{}, err
	}
	e.metrics.ExternalCall(stageName, "ok")

	var insights Insights
	if err := llm.DecodeLLMJSON(content, &insights); err != nil {
		return campaign.ContextPack{}, services.Wrap(services.ErrExternalTool, stageName, "decode insights", "LLM returned unparseable JSON", err)
	}
	if insights.empty() {
		return campaign.ContextPack{}, services.Wrap(services.ErrExternalTool, stageName, "decode insights", "LLM returned no insights", nil)
	}

	var banned []string
	if in.Campaign != nil {
		banned = in.Campaign.BannedWordsFor(env.Locale)
	}
	return ToContextPack(env.CampaignID, env.Locale, insights, banned, e.llm.Model(), now), nil
}

// ToContextPack maps LLM insights onto the stored pack.
func ToContextPack(campaignID, locale string, insights Insights, bannedWords []string, model string, now time.Time) campaign.ContextPack {
	return campaign.ContextPack{
		CampaignID:       campaignID,
		Locale:           locale,
		CultureNotes:     insights.CulturalNotes,
		Tone:             insights.MessagingTone,
		Dos:              nonNil(insights.MarketTrends),
		Donts:            nonNil(insights.CompetitorInsights),
		BannedWords:      nonNil(bannedWords),
		LegalGuidelines:  insights.RegulatoryNotes,
		ColorPreferences: insights.ColorPreferences,
		VisualStyle:      insights.VisualStyle,
		SeasonalContext:  insights.SeasonalContext,
		Model:            model,
		GeneratedAt:      now.UTC(),
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
