package model

import "time"

// EventType classifies package history records.
type EventType string

const (
	EventError         EventType = "error"
	EventPublish       EventType = "publish"
	EventEmail         EventType = "email"
	EventText          EventType = "text"
	EventVideo         EventType = "video"
	EventVisit         EventType = "visit"
	EventShare         EventType = "share"
	EventSuppressEmail EventType = "suppress_email"
	EventVinSolutions  EventType = "vinsolutions"
)

// Event is an append-only history record for a package. Events double as the
// source of truth for the engagement counters denormalized onto Package.
type Event struct {
	ID        uint64    `json:"id"`
	PackageID uint64    `json:"package_id"`
	Type      EventType `json:"type"`

	Description string `json:"description,omitempty"`

	// Duration is watch time in seconds, set on video events.
	Duration int `json:"duration,omitempty"`
	// Service names the visited surface on visit events (landing, website,
	// review_site, ...).
	Service string `json:"service,omitempty"`

	Time      time.Time `json:"time"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Message is the operator-facing text of the event.
func (e *Event) Message() string {
	if e.Description != "" {
		return e.Description
	}
	return string(e.Type)
}

// EmailRecord tracks an email the pipeline produced for a package. Its
// existence is the at-most-once guard for the package-created notification.
type EmailRecord struct {
	ID        uint64    `json:"id"`
	PackageID uint64    `json:"package_id"`
	Type      string    `json:"type"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

// EmailTypeNotification marks the internal "package created" notice.
const EmailTypeNotification = "package-notification"
