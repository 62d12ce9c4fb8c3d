package distribution

import "time"

// DeliveryStatus classifies the outcome of one delivery attempt.
type DeliveryStatus string

const (
	// StatusSent marks a first-time successful handoff.
	StatusSent DeliveryStatus = "sent"
	// StatusRecovered marks a successful re-delivery from backup.
	StatusRecovered DeliveryStatus = "recovered"
	// StatusFailed marks a transmission failure.
	StatusFailed DeliveryStatus = "failed"
)

// DeliveryRecord is the append-only audit trail of delivery attempts. Every
// send or resend creates a new record; records are never rewritten.
type DeliveryRecord struct {
	ID               uint           `gorm:"column:id;primaryKey;autoIncrement"`
	PrincipalID      int64          `gorm:"column:principal_id;index;not null"`
	FileID           uint           `gorm:"column:file_id;index;not null"`
	SentAt           time.Time      `gorm:"column:sent_at;not null"`
	Status           DeliveryStatus `gorm:"column:status;size:16;not null"`
	ErrorDetail      string         `gorm:"column:error_detail;type:text"`
	RecoveryAttempts int            `gorm:"column:recovery_attempts;not null;default:0"`
	LastRecoveryAt   *time.Time     `gorm:"column:last_recovery_at"`
}

// TableName provides the explicit table binding for GORM.
func (DeliveryRecord) TableName() string {
	return "delivery_records"
}
