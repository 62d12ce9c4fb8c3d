package subscription

import "time"

// Subscriber models a principal who redeemed an activation link. Records are
// created on first successful redemption and never deleted; the alias is
// assigned once and never changes.
type Subscriber struct {
	ID               uint       `gorm:"column:id;primaryKey;autoIncrement"`
	PrincipalID      int64      `gorm:"column:principal_id;uniqueIndex;not null"`
	Username         string     `gorm:"column:username;size:190"`
	FirstName        string     `gorm:"column:first_name;size:190"`
	HasAccess        bool       `gorm:"column:has_access;not null;default:false"`
	SubscriptionDate *time.Time `gorm:"column:subscription_date"`
	Alias            string     `gorm:"column:alias;uniqueIndex;size:64;not null"`
	FilesReceived    int        `gorm:"column:files_received;not null;default:0"`
	Pending          bool       `gorm:"column:pending;not null;default:false"`
	LastFileSent     *time.Time `gorm:"column:last_file_sent"`
}

// TableName provides the explicit table binding for GORM.
func (Subscriber) TableName() string {
	return "subscribers"
}

// SubscriptionLink is a one-time activation token minted by an administrator.
// It is mutated exactly once (consumption) or never.
type SubscriptionLink struct {
	ID        uint       `gorm:"column:id;primaryKey;autoIncrement"`
	Token     string     `gorm:"column:token;uniqueIndex;size:64;not null"`
	CreatedBy int64      `gorm:"column:created_by;not null"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	Used      bool       `gorm:"column:used;not null;default:false"`
	UsedBy    *int64     `gorm:"column:used_by"`
	UsedAt    *time.Time `gorm:"column:used_at"`
}

// TableName provides the explicit table binding for GORM.
func (SubscriptionLink) TableName() string {
	return "subscription_links"
}
