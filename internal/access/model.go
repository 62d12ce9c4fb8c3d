package access

import "time"

// Administrator records a principal granted administrative rights at runtime,
// in addition to the statically configured allow-list.
type Administrator struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	PrincipalID int64     `gorm:"column:principal_id;uniqueIndex;not null"`
	Username    string    `gorm:"column:username;size:190"`
	FirstName   string    `gorm:"column:first_name;size:190"`
	AddedBy     int64     `gorm:"column:added_by;not null"`
	AddedAt     time.Time `gorm:"column:added_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Administrator) TableName() string {
	return "administrators"
}
