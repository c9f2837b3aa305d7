package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"creativepipe/internal/branding"
	"creativepipe/internal/bus"
	"creativepipe/internal/config"
	"creativepipe/internal/creative"
	"creativepipe/internal/enrichment"
	"creativepipe/internal/events"
	"creativepipe/internal/imaging"
	"creativepipe/internal/overlay"
	"creativepipe/internal/services/imagegen"
	"creativepipe/internal/services/llm"
	"creativepipe/internal/stage"
)

// Completion budgets per text stage.
const (
	textTemperature      = 0.7
	enrichmentMaxTokens  = 1500
	creativeMaxTokens    = 500
	placementMaxTokens   = 300
	defaultImagingFanout = 4
)

// Completer is the text generator used by the enrichment and creative stages.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// runner is one stage worker as seen by the daemon.
type runner interface {
	Name() string
	Run(ctx context.Context, consumer bus.Consumer) error
	Health() stage.Health
}

// ParseStages validates a comma-separated stage list. Empty selects every stage.
func ParseStages(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "all" {
		return append([]string(nil), events.Stages...), nil
	}
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(value, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		if _, err := events.BindingForStage(name); err != nil {
			return nil, fmt.Errorf("unknown stage %q (want one of %s)", name, strings.Join(events.Stages, ", "))
		}
		seen[name] = true
		out = append(out, name)
	}
	// Keep chain order regardless of flag order.
	ordered := make([]string, 0, len(out))
	for _, name := range events.Stages {
		if seen[name] {
			ordered = append(ordered, name)
		}
	}
	return ordered, nil
}

func (d *Daemon) textClient(maxTokens int) Completer {
	if d.opts.LLM != nil {
		return d.opts.LLM
	}
	return llm.NewClient(llm.Config{
		APIKey:         d.cfg.LLM.APIKey,
		BaseURL:        d.cfg.LLM.BaseURL,
		Model:          d.cfg.LLM.Model,
		TimeoutSeconds: d.cfg.LLM.TimeoutSeconds,
		Temperature:    textTemperature,
		MaxTokens:      maxTokens,
	},
		llm.WithRetryMaxAttempts(d.cfg.LLM.RetryAttempts),
		llm.WithRetryBackoff(config.LLMRetryBase, config.LLMRetryMax),
	)
}

func (d *Daemon) imageClient() imagegen.Generator {
	if d.opts.Images != nil {
		return d.opts.Images
	}
	return imagegen.NewClient(imagegen.Config{
		APIKey:         d.cfg.Images.APIKey,
		BaseURL:        d.cfg.Images.BaseURL,
		Model:          d.cfg.Images.Model,
		Quality:        d.cfg.Images.Quality,
		TimeoutSeconds: d.cfg.Images.TimeoutSeconds,
	}, imagegen.WithRetry(d.cfg.Images.RetryAttempts, config.ImageRetryBase, config.ImageRetryMax))
}

// placer returns the vision client for logo placement, or nil when smart
// placement is off. An injected completer is used only if it accepts images.
func (d *Daemon) placer() branding.Placer {
	if !d.cfg.Branding.SmartPlacement {
		return nil
	}
	if d.opts.LLM != nil {
		p, _ := d.opts.LLM.(branding.Placer)
		return p
	}
	if strings.TrimSpace(d.cfg.LLM.APIKey) == "" {
		return nil
	}
	return llm.NewClient(llm.Config{
		APIKey:         d.cfg.LLM.APIKey,
		BaseURL:        d.cfg.LLM.BaseURL,
		Model:          d.cfg.Branding.PlacementModel,
		TimeoutSeconds: d.cfg.Branding.PlacementTimeoutSeconds,
		MaxTokens:      placementMaxTokens,
	}, llm.WithRetryMaxAttempts(1))
}

// claimTTL defaults to the stage's ack wait so a crashed holder's lease
// expires no later than its delivery does.
func (d *Daemon) claimTTL(policy config.Stage) time.Duration {
	if d.cfg.Claims.TTLSeconds > 0 {
		return time.Duration(d.cfg.Claims.TTLSeconds) * time.Second
	}
	return policy.AckWait()
}

func (d *Daemon) workerOptions(name string) (stage.Options, config.Stage, error) {
	binding, err := events.BindingForStage(name)
	if err != nil {
		return stage.Options{}, config.Stage{}, err
	}
	policy, ok := d.cfg.Stage(name)
	if !ok {
		return stage.Options{}, config.Stage{}, fmt.Errorf("no stage policy for %q", name)
	}
	return stage.Options{
		Stage:   name,
		Binding: binding,
		Consumer: bus.ConsumerOptions{
			Durable:    binding.Durable,
			AckWait:    policy.AckWait(),
			MaxDeliver: policy.MaxDeliver,
			Workers:    policy.Workers,
		},
		NakDelay:    policy.NakDelay(),
		FenceFailed: d.cfg.Pipeline.FenceFailed,
	}, policy, nil
}

func (d *Daemon) buildWorkers() ([]runner, error) {
	deps := stage.Deps{
		Store:    d.store,
		Notifier: d.notifier,
		Metrics:  d.metrics,
		Logger:   d.logger,
		Clock:    d.clock,
	}
	runners := make([]runner, 0, len(d.opts.Stages))
	for _, name := range d.opts.Stages {
		opts, policy, err := d.workerOptions(name)
		if err != nil {
			return nil, err
		}
		switch name {
		case events.StageEnrichment:
			handler := enrichment.New(enrichment.Deps{
				Store:     d.store,
				LLM:       d.textClient(enrichmentMaxTokens),
				Publisher: d.bus,
				Ledger:    d.ledger,
				Owner:     d.owner,
				ClaimTTL:  d.claimTTL(policy),
				Metrics:   d.metrics,
				Logger:    d.logger,
				Clock:     d.clock,
			})
			runners = append(runners, stage.New[events.ContextEnrichRequest](opts, deps, handler))
		case events.StageCreative:
			handler := creative.New(creative.Deps{
				Store:     d.store,
				LLM:       d.textClient(creativeMaxTokens),
				Publisher: d.bus,
				Ledger:    d.ledger,
				Owner:     d.owner,
				ClaimTTL:  d.claimTTL(policy),
				Metrics:   d.metrics,
				Logger:    d.logger,
				Clock:     d.clock,
			})
			runners = append(runners, stage.New[events.ContextEnrichReady](opts, deps, handler))
		case events.StageImaging:
			handler := imaging.New(imaging.Deps{
				Store:       d.store,
				Blobs:       d.blobs,
				Images:      d.imageClient(),
				Publisher:   d.bus,
				Ledger:      d.ledger,
				Owner:       d.owner,
				ClaimTTL:    d.claimTTL(policy),
				Parallelism: defaultImagingFanout,
				Metrics:     d.metrics,
				Logger:      d.logger,
				Clock:       d.clock,
			})
			runners = append(runners, stage.New[events.CreativeGenerateDone](opts, deps, handler))
		case events.StageBranding:
			handler := branding.New(branding.Deps{
				Store:     d.store,
				Blobs:     d.blobs,
				Logos:     branding.NewLogoLoader(d.blobs, nil),
				Publisher: d.bus,

				Placer:           d.placer(),
				PlacementTimeout: d.cfg.Branding.PlacementBudget(),
				Metrics:          d.metrics,
				Logger:           d.logger,
				Clock:            d.clock,
			})
			runners = append(runners, stage.New[events.ImageGenerated](opts, deps, handler))
		case events.StageOverlay:
			handler := overlay.New(overlay.Deps{
				Store:     d.store,
				Blobs:     d.blobs,
				Publisher: d.bus,
				Notifier:  d.notifier,
				Metrics:   d.metrics,
				Logger:    d.logger,
				Clock:     d.clock,
			})
			runners = append(runners, stage.New[events.BrandComposed](opts, deps, handler))
		default:
			return nil, fmt.Errorf("unknown stage %q", name)
		}
	}
	return runners, nil
}
