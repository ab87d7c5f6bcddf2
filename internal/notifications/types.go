// Package notifications records pipeline outcomes that need a clinician's
// attention and delivers them to webhook subscribers.
package notifications

import "time"

// Severity indicates the importance of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Type categorises the outcome that raised the notification.
type Type string

const (
	TypeInsightsReady Type = "insights_ready"
	TypeEvidenceGap   Type = "evidence_gap"
	TypeNeedsReview   Type = "needs_review"
	TypeRunFailed     Type = "run_failed"
)

// Notification is a single stored notification.
type Notification struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Delivered bool      `json:"delivered"`
	CreatedAt time.Time `json:"createdAt"`
}
