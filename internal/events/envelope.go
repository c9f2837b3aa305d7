package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed tags envelopes that cannot be processed no matter how often they are redelivered.
var ErrMalformed = errors.New("malformed event")

// Envelope is the transport wrapper around a stage's business payload.
type Envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	CampaignID    string          `json:"campaign_id"`
	Locale        string          `json:"locale,omitempty"`
	AspectRatio   string          `json:"aspect_ratio,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Address locates an envelope within a campaign's fan-out.
type Address struct {
	CampaignID    string
	Locale        string
	AspectRatio   string
	CorrelationID string
}

// New builds an envelope with a fresh ID around payload.
func New(t Type, addr Address, payload any, now time.Time) (Envelope, error) {
	env := Envelope{
		ID:            uuid.NewString(),
		Type:          t,
		CampaignID:    addr.CampaignID,
		Locale:        addr.Locale,
		AspectRatio:   addr.AspectRatio,
		CorrelationID: addr.CorrelationID,
		Timestamp:     now.UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Address returns the envelope's coordinates.
func (e Envelope) Address() Address {
	return Address{
		CampaignID:    e.CampaignID,
		Locale:        e.Locale,
		AspectRatio:   e.AspectRatio,
		CorrelationID: e.CorrelationID,
	}
}

// Validate enforces the addressing contract. Every event names its campaign;
// only campaign-level events may omit the locale.
func (e Envelope) Validate() error {
	if strings.TrimSpace(string(e.Type)) == "" {
		return fmt.Errorf("%w: type is required", ErrMalformed)
	}
	if _, ok := bindings[e.Type]; !ok {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	}
	if strings.TrimSpace(e.CampaignID) == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrMalformed)
	}
	if e.Locale == "" && requiresLocale(e.Type) {
		return fmt.Errorf("%w: %s requires locale", ErrMalformed, e.Type)
	}
	if e.AspectRatio == "" && requiresAspectRatio(e.Type) {
		return fmt.Errorf("%w: %s requires aspect_ratio", ErrMalformed, e.Type)
	}
	return nil
}

func requiresLocale(t Type) bool {
	switch t {
	case TypeCampaignBrief:
		return false
	default:
		return true
	}
}

func requiresAspectRatio(t Type) bool {
	switch t {
	case TypeImageGenerated, TypeBrandComposed, TypeTextOverlaid, TypeCreativeApproved:
		return true
	default:
		return false
	}
}

// DedupKey returns the broker deduplication ID. Pipeline events carry their
// natural business key so a redelivered stage republishing the same transition
// is collapsed; operator events are unique per request.
func (e Envelope) DedupKey() string {
	switch e.Type {
	case TypeCampaignBrief, TypeCreativeApproved, TypeRevisionRequested:
		return e.ID
	}
	parts := []string{string(e.Type), e.CampaignID, e.Locale}
	if e.AspectRatio != "" {
		parts = append(parts, e.AspectRatio)
	}
	return strings.Join(parts, ":")
}

// Encode serializes the envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates an envelope from the wire.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into P.
func DecodePayload[P any](env Envelope) (P, error) {
	var payload P
	if len(env.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return payload, nil
}
