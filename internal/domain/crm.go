package domain

import (
	"strings"
	"time"
)

// LifecycleStage tracks how far a contact is along the sales funnel.
type LifecycleStage string

const (
	StageLead                   LifecycleStage = "LEAD"
	StageMarketingQualifiedLead LifecycleStage = "MARKETING_QUALIFIED_LEAD"
	StageSalesQualifiedLead     LifecycleStage = "SALES_QUALIFIED_LEAD"
)

// Contact is a CRM person record keyed by email.
type Contact struct {
	ID             string         `json:"id"`
	FirstName      string         `json:"firstName"`
	LastName       string         `json:"lastName"`
	Email          string         `json:"email"`
	Phone          string         `json:"phone,omitempty"`
	Source         string         `json:"source,omitempty"`
	LifecycleStage LifecycleStage `json:"lifecycleStage,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// NormalizeEmail lower-cases and trims an email so upserts are keyed consistently.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SplitName splits a full name into first and last name.
// A single-word name is used for both parts.
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	first = parts[0]
	last = strings.Join(parts[1:], " ")
	if last == "" {
		last = first
	}
	return first, last
}

// ActivityType classifies CRM activity entries.
type ActivityType string

const (
	ActivityNote    ActivityType = "NOTE"
	ActivityMeeting ActivityType = "MEETING"
)

// Activity is a timeline entry against a contact.
type Activity struct {
	ID         string       `json:"id"`
	ContactID  string       `json:"contactId"`
	Type       ActivityType `json:"type"`
	Subject    string       `json:"subject"`
	Body       string       `json:"body"`
	ActivityAt time.Time    `json:"activityAt"`
}

// Enquiry is a course enquiry recorded against a contact.
type Enquiry struct {
	ID             string    `json:"id"`
	ContactID      string    `json:"contactId"`
	ConversationID string    `json:"conversationId,omitempty"`
	CourseName     string    `json:"courseName"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Booking is a consultation request awaiting confirmation by staff.
type Booking struct {
	ID             string    `json:"id"`
	ContactID      string    `json:"contactId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Concern        string    `json:"concern"`
	PreferredTime  string    `json:"preferredTime,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TaskStatus is the state of a staff follow-up task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskNotified  TaskStatus = "NOTIFIED"
	TaskCompleted TaskStatus = "COMPLETED"
)

// FollowUpTask is work queued for human staff.
type FollowUpTask struct {
	ID          string     `json:"id"`
	ContactID   string     `json:"contactId"`
	BookingID   string     `json:"bookingId,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
