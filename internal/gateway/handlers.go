package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"creativepipe/internal/bus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/events"
	"creativepipe/internal/logging"
	"creativepipe/internal/store"
)

// CreateResponse acknowledges an accepted brief.
type CreateResponse struct {
	CampaignID    string          `json:"campaign_id"`
	CorrelationID string          `json:"correlation_id"`
	Status        campaign.Status `json:"status"`
}

// CampaignSummary is one row of the campaign listing.
type CampaignSummary struct {
	CampaignID    string          `json:"campaign_id"`
	Status        campaign.Status `json:"status"`
	TargetLocales []string        `json:"target_locales"`
	AspectRatios  []string        `json:"aspect_ratios"`
	Completed     int             `json:"completed_outputs"`
	Total         int             `json:"total_outputs"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ListResponse is a page of campaigns.
type ListResponse struct {
	Items    []CampaignSummary `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// StatusResponse reports campaign progress.
type StatusResponse struct {
	CampaignID    string                             `json:"campaign_id"`
	Status        campaign.Status                    `json:"status"`
	FailureReason string                             `json:"failure_reason,omitempty"`
	Stalled       bool                               `json:"stalled"`
	LastUpdated   time.Time                          `json:"last_updated"`
	CompletedAt   *time.Time                         `json:"completed_at,omitempty"`
	Progress      map[string]campaign.LocaleProgress `json:"progress"`
	DeadLetters   []campaign.DeadLetter              `json:"dead_letters"`
}

// Artifact is a presigned link to one final output.
type Artifact struct {
	Locale      string `json:"locale"`
	AspectRatio string `json:"aspect_ratio"`
	URI         string `json:"uri"`
	URL         string `json:"url"`
}

// ArtifactsResponse lists presigned links to a campaign's final outputs.
type ArtifactsResponse struct {
	CampaignID       string     `json:"campaign_id"`
	ExpiresInSeconds int64      `json:"expires_in_seconds"`
	Artifacts        []Artifact `json:"artifacts"`
}

// ActionResponse acknowledges an approval or revision.
type ActionResponse struct {
	OK         bool   `json:"ok"`
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleCreate(c *fiber.Ctx) error {
	var req CampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, describeValidation(err))
	}

	brief := req.ToCampaign()
	if err := brief.Prepare(uuid.NewString(), s.clock()); err != nil {
		return err
	}
	ctx := c.UserContext()
	if err := s.store.CreateCampaign(ctx, brief); err != nil {
		return err
	}
	s.metrics.CampaignTransition(string(campaign.StatusProcessing))
	s.logger.Info("campaign accepted",
		zap.String(logging.FieldCampaignID, brief.ID),
		zap.String(logging.FieldCorrelationID, brief.CorrelationID),
		zap.Strings("locales", brief.TargetLocales),
		zap.Strings("aspect_ratios", brief.Output.AspectRatios),
		logging.EventType("campaign_accepted"),
	)
	if s.launcher != nil {
		s.launcher.Launch(brief)
	}
	return c.Status(fiber.StatusAccepted).JSON(CreateResponse{
		CampaignID:    brief.ID,
		CorrelationID: brief.CorrelationID,
		Status:        brief.Status,
	})
}

func (s *Server) handleList(c *fiber.Ctx) error {
	filter := store.ListFilter{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", store.DefaultPageSize),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := campaign.ParseStatus(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		filter.Status = status
	}
	filter = filter.Normalize()

	items, total, err := s.store.ListCampaigns(c.UserContext(), filter)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	resp := ListResponse{
		Items:    make([]CampaignSummary, 0, len(items)),
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}
	for _, item := range items {
		resp.Items = append(resp.Items, summarize(item))
	}
	return c.JSON(resp)
}

func summarize(c *campaign.Campaign) CampaignSummary {
	summary := CampaignSummary{
		CampaignID:    c.ID,
		Status:        c.Status,
		TargetLocales: c.TargetLocales,
		AspectRatios:  c.Output.AspectRatios,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	for _, lp := range c.Progress() {
		summary.Completed += lp.Completed
		summary.Total += lp.Total
	}
	return summary
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	found, err := s.store.GetCampaign(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(found)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	found, err := s.store.GetCampaign(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	deadLetters := found.DeadLetters
	if deadLetters == nil {
		deadLetters = []campaign.DeadLetter{}
	}
	return c.JSON(StatusResponse{
		CampaignID:    found.ID,
		Status:        found.Status,
		FailureReason: found.FailureReason,
		Stalled:       found.Stalled(s.clock(), s.staleAfter),
		LastUpdated:   found.UpdatedAt,
		CompletedAt:   found.CompletedAt,
		Progress:      found.Progress(),
		DeadLetters:   deadLetters,
	})
}

func (s *Server) handleArtifacts(c *fiber.Ctx) error {
	ctx := c.UserContext()
	found, err := s.store.GetCampaign(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	resp := ArtifactsResponse{
		CampaignID:       found.ID,
		ExpiresInSeconds: int64(s.presignTTL / time.Second),
		Artifacts:        []Artifact{},
	}
	for _, locale := range found.TargetLocales {
		for _, ratio := range found.Output.AspectRatios {
			slot := found.Slot(locale, ratio)
			if slot == nil || slot.FinalImageRef == "" {
				continue
			}
			artifact := Artifact{Locale: locale, AspectRatio: ratio, URI: slot.FinalImageURI}
			if s.blobs != nil {
				link, err := s.blobs.PresignGet(ctx, slot.FinalImageRef, s.presignTTL)
				if err != nil {
					return fmt.Errorf("presign %s: %w", slot.FinalImageRef, err)
				}
				artifact.URL = link
			}
			resp.Artifacts = append(resp.Artifacts, artifact)
		}
	}
	return c.JSON(resp)
}

func (s *Server) handleApprove(c *fiber.Ctx) error {
	var req ApprovalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, describeValidation(err))
	}
	ctx := c.UserContext()
	found, err := s.store.GetCampaign(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	locale := strings.TrimSpace(req.Locale)
	ratio := campaign.NormalizeAspectRatio(req.AspectRatio)
	if err := checkTarget(found, locale, ratio); err != nil {
		return err
	}
	if slot := found.Slot(locale, ratio); slot == nil || slot.FinalImageRef == "" {
		return fiber.NewError(fiber.StatusConflict, fmt.Sprintf("output %s/%s is not ready for approval", locale, ratio))
	}

	approval := campaign.Approval{
		ID:          uuid.NewString(),
		Locale:      locale,
		AspectRatio: ratio,
		Approver:    strings.TrimSpace(req.Approver),
		Comment:     req.Comment,
		At:          s.clock().UTC(),
	}
	if err := s.store.AddApproval(ctx, found.ID, approval); err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	payload := events.CreativeApproved{ApprovalID: approval.ID, Approver: approval.Approver, Comment: approval.Comment}
	addr := events.Address{CampaignID: found.ID, Locale: locale, AspectRatio: ratio, CorrelationID: found.CorrelationID}
	if err := s.announce(c, events.TypeCreativeApproved, addr, payload); err != nil {
		return err
	}
	return c.JSON(ActionResponse{OK: true, ID: approval.ID, CampaignID: found.ID})
}

func (s *Server) handleRevision(c *fiber.Ctx) error {
	var req RevisionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, describeValidation(err))
	}
	ctx := c.UserContext()
	found, err := s.store.GetCampaign(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	locale := strings.TrimSpace(req.Locale)
	ratio := ""
	if strings.TrimSpace(req.AspectRatio) != "" {
		ratio = campaign.NormalizeAspectRatio(req.AspectRatio)
	}
	if err := checkTarget(found, locale, ratio); err != nil {
		return err
	}

	revision := campaign.Revision{
		ID:          uuid.NewString(),
		Locale:      locale,
		AspectRatio: ratio,
		RequestedBy: strings.TrimSpace(req.RequestedBy),
		Notes:       req.Notes,
		At:          s.clock().UTC(),
	}
	if err := s.store.AddRevision(ctx, found.ID, revision); err != nil {
		return fmt.Errorf("record revision: %w", err)
	}
	payload := events.RevisionRequested{RevisionID: revision.ID, RequestedBy: revision.RequestedBy, Notes: revision.Notes}
	addr := events.Address{CampaignID: found.ID, Locale: locale, AspectRatio: ratio, CorrelationID: found.CorrelationID}
	if err := s.announce(c, events.TypeRevisionRequested, addr, payload); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(ActionResponse{OK: true, ID: revision.ID, CampaignID: found.ID})
}

// checkTarget rejects locales and ratios the campaign never targeted. An
// empty ratio addresses the whole locale.
func checkTarget(c *campaign.Campaign, locale, ratio string) error {
	if !c.HasLocale(locale) {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("locale %q is not targeted by campaign %s", locale, c.ID))
	}
	if ratio != "" && !c.HasAspectRatio(ratio) {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("aspect ratio %q is not produced by campaign %s", ratio, c.ID))
	}
	return nil
}

// announce publishes an audit event. The record is already persisted, so a
// publish failure surfaces as 502 and the client may retry.
func (s *Server) announce(c *fiber.Ctx, t events.Type, addr events.Address, payload any) error {
	env, err := events.New(t, addr, payload, s.clock())
	if err != nil {
		return fmt.Errorf("build %s: %w", t, err)
	}
	if s.publisher == nil {
		return nil
	}
	if err := bus.PublishEnvelope(c.UserContext(), s.publisher, env); err != nil {
		logging.WarnWithContext(s.logger, "audit event publish failed", "audit_publish_failed",
			zap.String(logging.FieldCampaignID, addr.CampaignID),
			zap.String("type", string(t)),
			zap.Error(err),
			logging.ErrorHint("record saved; resubmit to republish"),
		)
		return fiber.NewError(fiber.StatusBadGateway, "event bus unavailable")
	}
	return nil
}
