package model

import "time"

// AuditAction is the enumerated tag of a sign-in audit event
type AuditAction string

const (
	AuditActionRateLimited               AuditAction = "rate_limited"
	AuditActionLoginFailed               AuditAction = "login_failed"
	AuditActionLoginSuccess              AuditAction = "login_success"
	AuditActionLoginSuccessTrustedDevice AuditAction = "login_success_trusted_device"
	AuditActionLogin2FARequired          AuditAction = "login_2fa_required"
)

// AuditEvent is one record of a sign-in attempt
type AuditEvent struct {
	ID          string                 `json:"id"`
	UserID      *string                `json:"userId,omitempty"`
	Email       string                 `json:"email"`
	Action      AuditAction            `json:"action"`
	Client      ClientContext          `json:"client"`
	RiskScore   int                    `json:"riskScore"`
	RiskFactors []string               `json:"riskFactors,omitempty"`
	Flagged     bool                   `json:"flagged"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Actor is the user id when known, otherwise the bare email
func (e *AuditEvent) Actor() string {
	if e.UserID != nil && *e.UserID != "" {
		return *e.UserID
	}
	return e.Email
}

// LoginRecord is the slice of audit history the risk analyzer looks at
type LoginRecord struct {
	Action     AuditAction
	IPAddress  string
	Country    string
	City       string
	DeviceType string
	Browser    string
	OS         string
	CreatedAt  time.Time
}

// Succeeded reports whether the record is a completed sign-in
func (r LoginRecord) Succeeded() bool {
	return r.Action == AuditActionLoginSuccess || r.Action == AuditActionLoginSuccessTrustedDevice
}
