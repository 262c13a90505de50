package model

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies a notification for opt-in and reporting purposes.
type Category string

const (
	CategoryTransaction Category = "transaction"
	CategoryMarketing   Category = "marketing"
	CategorySystem      Category = "system"
	CategoryReminder    Category = "reminder"
	CategoryReferral    Category = "referral"
	CategoryPayment     Category = "payment"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryTransaction, CategoryMarketing, CategorySystem,
		CategoryReminder, CategoryReferral, CategoryPayment:
		return true
	}
	return false
}

// CampaignStatus constants
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignSending,
		CampaignSent, CampaignCancelled, CampaignFailed:
		return true
	}
	return false
}

// Editable reports whether a campaign in this status may have its content changed.
func (s CampaignStatus) Editable() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

// DeliveryStatus is the lifecycle state of one delivery-log row.
type DeliveryStatus string

const (
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryDismissed DeliveryStatus = "dismissed"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
)

// Target type constants
const (
	TargetSegment = "segment"
	TargetUsers   = "users"
	TargetAll     = "all"
)

// SegmentFilter describes an audience declaratively. Empty lists mean no
// restriction on that dimension; nil opt-in requirements are defaulted from
// the notification category.
type SegmentFilter struct {
	PlanTiers        []string `json:"planTiers,omitempty"`
	Countries        []string `json:"countries,omitempty"`
	MarketingOptIn   *bool    `json:"marketingOptIn,omitempty"`
	ReminderOptIn    *bool    `json:"reminderOptIn,omitempty"`
	TransactionOptIn *bool    `json:"transactionOptIn,omitempty"`
	RespectOptOut    bool     `json:"respectOptOut"`
}

// Target selects the recipients of a campaign.
type Target struct {
	Type    string        `json:"type"`
	Filter  SegmentFilter `json:"filter"`
	UserIDs []uuid.UUID   `json:"userIds,omitempty"`
}

// Campaign is a manually authored or scheduled broadcast.
type Campaign struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Category     Category       `json:"category"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	ImageURL     *string        `json:"imageUrl,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Target       Target         `json:"target"`
	ScheduledFor *time.Time     `json:"scheduledFor,omitempty"`
	Status       CampaignStatus `json:"status"`
	CreatedBy    *string        `json:"createdBy,omitempty"`
	SentCount    int            `json:"sentCount"`
	FailedCount  int            `json:"failedCount"`
	SentAt       *time.Time     `json:"sentAt,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Template is reusable notification content keyed by slug.
type Template struct {
	Slug     string   `json:"slug"`
	Category Category `json:"category"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
}

// User is the subset of the account record this engine reads.
type User struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	Plan                string     `json:"plan"`
	Country             string     `json:"country"`
	PlanExpiresAt       *time.Time `json:"planExpiresAt,omitempty"`
	PendingPlan         *string    `json:"pendingPlan,omitempty"`
	PendingPlanStartsAt *time.Time `json:"pendingPlanStartsAt,omitempty"`
	RenewalRemindedFor  *time.Time `json:"renewalRemindedFor,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

// Token is a device's current push-addressable handle.
type Token struct {
	ID         uuid.UUID  `json:"id"`
	UserID     *uuid.UUID `json:"userId,omitempty"`
	Token      string     `json:"token"`
	Platform   string     `json:"platform"`
	IsActive   bool       `json:"isActive"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Preference is a user's opt-in state. A user without a stored row is
// treated as opted out of everything.
type Preference struct {
	UserID      uuid.UUID `json:"userId"`
	PushEnabled bool      `json:"pushEnabled"`
	Marketing   bool      `json:"marketing"`
	Reminder    bool      `json:"reminder"`
	Transaction bool      `json:"transaction"`
	Timezone    string    `json:"timezone"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DeliveryLog is one row per token per send attempt. Timestamp fields are
// write-once.
type DeliveryLog struct {
	ID           uuid.UUID      `json:"id"`
	UserID       *uuid.UUID     `json:"userId,omitempty"`
	Token        string         `json:"-"`
	Category     Category       `json:"category"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	Data         map[string]any `json:"data,omitempty"`
	Target       string         `json:"target"`
	Status       DeliveryStatus `json:"status"`
	SentBy       string         `json:"sentBy"`
	CampaignID   *uuid.UUID     `json:"campaignId,omitempty"`
	SentAt       *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt  *time.Time     `json:"deliveredAt,omitempty"`
	OpenedAt     *time.Time     `json:"openedAt,omitempty"`
	ClickedAt    *time.Time     `json:"clickedAt,omitempty"`
	DismissedAt  *time.Time     `json:"dismissedAt,omitempty"`
	LastEventAt  *time.Time     `json:"lastEventAt,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Referral links an inviting user to the user they invited.
type Referral struct {
	ID                 uuid.UUID  `json:"id"`
	ReferrerID         uuid.UUID  `json:"referrerId"`
	RefereeID          *uuid.UUID `json:"refereeId,omitempty"`
	RefereeName        string     `json:"refereeName"`
	Status             string     `json:"status"`
	InvitedNotifiedAt  *time.Time `json:"invitedNotifiedAt,omitempty"`
	VerifiedNotifiedAt *time.Time `json:"verifiedNotifiedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Referral status constants
const (
	ReferralInvited  = "invited"
	ReferralVerified = "verified"
)

// TriggerRunLog is an append-only journal row for one trigger execution.
type TriggerRunLog struct {
	ID        uuid.UUID      `json:"id"`
	TriggerID string         `json:"triggerId"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"createdAt"`
}

// HealthTriggerID is the reserved trigger identifier for orchestrator health snapshots.
const HealthTriggerID = "cron.health"

// HealthSnapshot summarizes one orchestrator run.
type HealthSnapshot struct {
	CampaignsFound     int       `json:"campaignsFound"`
	CampaignsProcessed int       `json:"campaignsProcessed"`
	TriggersProcessed  int       `json:"triggersProcessed"`
	TriggersTotal      int       `json:"triggersTotal"`
	Success            bool      `json:"success"`
	Timestamp          time.Time `json:"timestamp"`
}
