package models

import (
	"time"
)

// ConnectionStatus is the lifecycle state of the gateway instance.
type ConnectionStatus string

const (
	StatusDisconnected   ConnectionStatus = "disconnected"
	StatusConnecting     ConnectionStatus = "connecting"
	StatusAwaitingQRScan ConnectionStatus = "awaiting_qr_scan"
	StatusConnected      ConnectionStatus = "connected"
)

// ConnectionConfig is the single authoritative gateway instance of a deployment.
// QRCode is only set while AwaitingQRScan and PairedNumber only while Connected.
type ConnectionConfig struct {
	InstanceName string           `db:"instance_name" json:"instanceName"`
	APIURL       string           `db:"api_url" json:"apiUrl"`
	APIKey       string           `db:"api_key" json:"-"`
	Status       ConnectionStatus `db:"status" json:"status"`
	QRCode       *string          `db:"qr_code" json:"qrCode,omitempty"`
	PairedNumber *string          `db:"paired_number" json:"pairedNumber,omitempty"`
	WebhookURL   string           `db:"webhook_url" json:"webhookUrl"`
	ActiveEvents StringList       `db:"active_events" json:"activeEvents"`
	LastSyncAt   *time.Time       `db:"last_sync_at" json:"lastSyncAt,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updatedAt"`
}

// NameSource records who assigned a contact's display name.
type NameSource string

const (
	NameSourceNone    NameSource = ""
	NameSourceGateway NameSource = "gateway"
	NameSourceUser    NameSource = "user"
)

// Contact is keyed by its canonical phone number (digits only).
type Contact struct {
	PhoneNumber       string     `db:"phone_number" json:"phoneNumber"`
	DisplayName       string     `db:"display_name" json:"displayName"`
	NameSource        NameSource `db:"name_source" json:"nameSource"`
	ProfilePictureURL string     `db:"profile_picture_url" json:"profilePictureUrl,omitempty"`
	LastMessageAt     *time.Time `db:"last_message_at" json:"lastMessageAt,omitempty"`
	UnreadCount       int        `db:"unread_count" json:"unreadCount"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// PlaceholderPrefix marks locally generated ids of outbound messages the
// gateway has not acknowledged yet.
const PlaceholderPrefix = "local:"

// Message is unique per (ContactRef, ExternalID).
type Message struct {
	ID             int64          `db:"id" json:"id"`
	ContactRef     string         `db:"contact_ref" json:"contactRef"`
	ExternalID     string         `db:"external_id" json:"externalId"`
	Timestamp      time.Time      `db:"message_at" json:"timestamp"`
	Direction      Direction      `db:"direction" json:"direction"`
	Body           string         `db:"body" json:"body"`
	MediaType      string         `db:"media_type" json:"mediaType,omitempty"`
	MediaURL       string         `db:"media_url" json:"mediaUrl,omitempty"`
	DeliveryStatus DeliveryStatus `db:"delivery_status" json:"deliveryStatus"`
	StatusRank     int            `db:"status_rank" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}

// IsPlaceholder reports whether the message still carries a local id.
func (m Message) IsPlaceholder() bool {
	return len(m.ExternalID) > len(PlaceholderPrefix) && m.ExternalID[:len(PlaceholderPrefix)] == PlaceholderPrefix
}

type JobKind string

const (
	JobKindContacts JobKind = "contacts"
	JobKindMessages JobKind = "messages"
	JobKindFull     JobKind = "full"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindContacts, JobKindMessages, JobKindFull:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// SyncJob tracks a bulk synchronization. Counters only grow while Running and
// FinishedAt is written once, by the terminal transition.
type SyncJob struct {
	ID             string     `db:"id" json:"jobId"`
	Kind           JobKind    `db:"kind" json:"kind"`
	Status         JobStatus  `db:"status" json:"status"`
	ItemsProcessed int        `db:"items_processed" json:"itemsProcessed"`
	ItemsTotal     int        `db:"items_total" json:"itemsTotal"`
	Created        int        `db:"created_count" json:"created"`
	Updated        int        `db:"updated_count" json:"updated"`
	Skipped        int        `db:"skipped_count" json:"skipped"`
	Errors         int        `db:"error_count" json:"errors"`
	Log            StringList `db:"log" json:"log"`
	ErrorDetail    *string    `db:"error_detail" json:"errorDetail,omitempty"`
	StartedAt      *time.Time `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt     *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}
