package domain

import (
	"time"

	"github.com/google/uuid"
)

// TrustTier ranks a Contact by how much outbound attention the account
// has given it. Only tier1 ∪ tier2 contacts are ingested.
type TrustTier string

const (
	TrustTier1 TrustTier = "tier1"
	TrustTier2 TrustTier = "tier2"
	TrustTier3 TrustTier = "tier3"
)

// RelationshipStatus is the Analyzer's classification of the true state
// of a relationship, distinguishing one-sided outreach from genuine
// engagement.
type RelationshipStatus string

const (
	StatusEstablished RelationshipStatus = "established"
	StatusOngoing      RelationshipStatus = "ongoing"
	StatusAttempted    RelationshipStatus = "attempted"
	StatusDormant      RelationshipStatus = "dormant"
	StatusCold         RelationshipStatus = "cold"
)

// EnrichmentStatus records the outcome of the best-effort Enricher
// collaborator; failure is never fatal to the pipeline.
type EnrichmentStatus string

const (
	EnrichmentNone   EnrichmentStatus = ""
	EnrichmentOK     EnrichmentStatus = "ok"
	EnrichmentFailed EnrichmentStatus = "failed"
)

// Contact is created by the Trusted-Contact Extractor and mutated by the
// Analyzer (status, engagement score) and the Enricher (enrichment
// record). While it exists, OutboundCount+InboundCount >= 1.
type Contact struct {
	AccountID        uuid.UUID          `json:"account_id" db:"account_id"`
	Address          string             `json:"address" db:"address"`
	DisplayName      string             `json:"display_name,omitempty" db:"display_name"`
	Domain           string             `json:"domain" db:"domain"`
	FirstSeenAt      time.Time          `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt       time.Time          `json:"last_seen_at" db:"last_seen_at"`
	OutboundCount    int                `json:"outbound_count" db:"outbound_count"`
	InboundCount     int                `json:"inbound_count" db:"inbound_count"`
	TrustTier        TrustTier          `json:"trust_tier" db:"trust_tier"`
	Status           RelationshipStatus `json:"status" db:"status"`
	PrevStatus       RelationshipStatus `json:"prev_status,omitempty" db:"prev_status"`
	EngagementScore  float64            `json:"engagement_score" db:"engagement_score"`
	EnrichmentRecord string             `json:"enrichment_record,omitempty" db:"enrichment_record"`
	EnrichmentStatus EnrichmentStatus   `json:"enrichment_status,omitempty" db:"enrichment_status"`
}

// ContactFilter scopes Message Store contact reads.
type ContactFilter struct {
	AccountID uuid.UUID
	Tiers     []TrustTier
	Statuses  []RelationshipStatus
	Page      *PageRequest
}
