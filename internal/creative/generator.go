package creative

import (
	"context"
	"errors"
	"strings"
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

const stageName = events.StageCreative

// Store is the artifact access the generator needs.
type Store interface {
	GetContextPack(ctx context.Context, campaignID, locale string) (*campaign.ContextPack, error)
	GetCreative(ctx context.Context, campaignID, locale string) (*campaign.Creative, error)
	UpsertCreative(ctx context.Context, creative campaign.Creative) error
}

// Completer is the LLM surface used for copywriting.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// Deps wires a Generator.
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

// Generator handles ContextEnrichReady deliveries.
type Generator struct {
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

var _ stage.Handler[events.ContextEnrichReady] = (*Generator)(nil)

// New constructs a Generator.
func New(deps Deps) *Generator {
	g := &Generator{
		store:     deps.Store,
		llm:       deps.LLM,
		publisher: deps.Publisher,
		ledger:    deps.Ledger,
		owner:     deps.Owner,
		claimTTL:  deps.ClaimTTL,
		metrics:   deps.Metrics,
		logger:    logging.NewComponentLogger(deps.Logger, "creative"),
		clock:     deps.Clock,
	}
	if g.clock == nil {
		g.clock = time.Now
	}
	if g.owner == "" {
		g.owner = claim.NewOwner()
	}
	return g
}

// Handle writes copy for one locale.
func (g *Generator) Handle(ctx context.Context, in stage.Input[events.ContextEnrichReady]) error {
	if g.store == nil || g.llm == nil || g.publisher == nil {
		return stage.Fatal(services.Wrap(services.ErrConfiguration, stageName, "handle", "creative generator is not configured", nil))
	}
	env := in.Envelope
	logger := logging.WithContext(ctx, g.logger)

	creative, err := g.store.GetCreative(ctx, env.CampaignID, env.Locale)
	switch {
	case err == nil:
		g.metrics.ClaimShortCircuit(stageName)
		logger.Info("creative already stored; republishing", logging.EventType("claim_short_circuit"))
	case errors.Is(err, store.ErrNotFound):
		pack, packErr := g.contextPack(ctx, in)
		if packErr != nil {
			return packErr
		}
		key := claim.Key(stageName, env.CampaignID, env.Locale)
		err = claim.Guard(ctx, g.ledger, key, in.Holder(g.owner), g.claimTTL, func(ctx context.Context) error {
			generated, genErr := g.generate(ctx, in.Campaign, pack)
			if genErr != nil {
				return genErr
			}
			if len(generated.Violations) > 0 {
				logging.WarnWithContext(logger, "creative copy contains banned words", "banned_words",
					zap.Strings("violations", generated.Violations),
					logging.ErrorHint("review the creative before approving the campaign"),
					zap.String(logging.FieldImpact, "copy is published with recorded violations"),
				)
			}
			if upErr := g.store.UpsertCreative(ctx, generated); upErr != nil {
				return stage.PersistFailed(stageName, "creative", upErr)
			}
			creative = &generated
			return nil
		})
		if err != nil {
			return err
		}
	default:
		return stage.MissingPrerequisite(stageName, "creative", err)
	}

	if err := stage.Emit(ctx, g.publisher, stageName, events.TypeCreativeGenerateDone, env.Address(),
		events.CreativeGenerateDone{Headline: creative.Headline}, g.clock()); err != nil {
		return err
	}
	logger.Info("creative generation complete",
		logging.EventType("stage_complete"),
		zap.String("headline", creative.Headline),
		zap.Int("violations", len(creative.Violations)),
	)
	return nil
}

// contextPack prefers the stored pack and falls back to the event copy.
func (g *Generator) contextPack(ctx context.Context, in stage.Input[events.ContextEnrichReady]) (campaign.ContextPack, error) {
	env := in.Envelope
	stored, err := g.store.GetContextPack(ctx, env.CampaignID, env.Locale)
	if err == nil {
		return *stored, nil
	}
	carried := in.Payload.ContextPack
	if errors.Is(err, store.ErrNotFound) && (carried.Tone != "" || carried.CultureNotes != "" || len(carried.Dos) > 0) {
		carried.CampaignID = env.CampaignID
		carried.Locale = env.Locale
		return carried, nil
	}
	return campaign.ContextPack{}, stage.MissingPrerequisite(stageName, "context pack", err)
}

func (g *Generator) generate(ctx context.Context, c *campaign.Campaign, pack campaign.ContextPack) (campaign.Creative, error) {
	content, err := g.llm.CompleteJSON(ctx, SystemPrompt, BuildPrompt(c, pack))
	if err != nil {
		g.metrics.ExternalCall(stageName, "error")
		return campaign.Creative{}, err
	}
	g.metrics.ExternalCall(stageName, "ok")

	var out Copy
	if err := llm.DecodeLLMJSON(content, &out); err != nil {
		return campaign.Creative{}, services.Wrap(services.ErrExternalTool, stageName, "decode copy", "LLM returned unparseable JSON", err)
	}
	out.Headline = strings.TrimSpace(out.Headline)
	if out.Headline == "" {
		return campaign.Creative{}, services.Wrap(services.ErrExternalTool, stageName, "decode copy", "LLM returned no headline", nil)
	}

	banned := pack.BannedWords
	if c != nil {
		banned = mergeWords(banned, c.BannedWordsFor(pack.Locale))
	}
	return campaign.Creative{
		CampaignID:     pack.CampaignID,
		Locale:         pack.Locale,
		Headline:       out.Headline,
		Description:    strings.TrimSpace(out.Description),
		CallToAction:   strings.TrimSpace(out.CallToAction),
		VisualElements: out.VisualElements,
		Violations:     FindViolations(banned, out.Headline, out.Description, out.CallToAction),
		Model:          g.llm.Model(),
		GeneratedAt:    g.clock().UTC(),
	}, nil
}

func mergeWords(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, w := range list {
			key := strings.ToLower(strings.TrimSpace(w))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}
